package models

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/clinicsync/clinicsync/pkg/constants"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is safe to use as a table or column name.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// TableSpec declares a replicated table. The business schema is owned by the
// remotes; a spec only names what the agent needs to mirror and route it.
type TableSpec struct {
	Name       string   `json:"name"`
	PrimaryKey string   `json:"primary_key,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// PK returns the primary key column, "id" by default.
func (t TableSpec) PK() string {
	if t.PrimaryKey == "" {
		return "id"
	}
	return t.PrimaryKey
}

// Channel is the change feed channel announcing writes to this table.
func (t TableSpec) Channel() string {
	return t.Name + constants.ChannelSuffix
}

// Updatable reports whether a patch may set field. With no declared columns
// any valid identifier other than the primary key is accepted.
func (t TableSpec) Updatable(field string) bool {
	if field == t.PK() || !ValidIdentifier(field) {
		return false
	}
	if len(t.Columns) == 0 {
		return true
	}
	for _, c := range t.Columns {
		if c == field {
			return true
		}
	}
	return false
}

func (t TableSpec) Validate() error {
	if !ValidIdentifier(t.Name) {
		return fmt.Errorf("%w: table %q", constants.ErrInvalidName, t.Name)
	}
	if !ValidIdentifier(t.PK()) {
		return fmt.Errorf("%w: primary key %q of %s", constants.ErrInvalidName, t.PK(), t.Name)
	}
	for _, c := range t.Columns {
		if !ValidIdentifier(c) {
			return fmt.Errorf("%w: column %q of %s", constants.ErrInvalidName, c, t.Name)
		}
	}
	return nil
}

// OrderByDependency returns specs with every table after the tables it depends
// on. Tables without a dependency relation keep their input order. Dependencies
// on tables outside the set are ignored.
func OrderByDependency(specs []TableSpec) ([]TableSpec, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.Name] = i
	}

	indegree := make([]int, len(specs))
	children := make([][]int, len(specs))
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			children[j] = append(children[j], i)
		}
	}

	var ready []int
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]TableSpec, 0, len(specs))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, specs[i])
		for _, c := range children[i] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(ordered) != len(specs) {
		var stuck []string
		for i, d := range indegree {
			if d > 0 {
				stuck = append(stuck, specs[i].Name)
			}
		}
		return nil, fmt.Errorf("%w: %v", constants.ErrDependencyCycle, stuck)
	}
	return ordered, nil
}

func sortedKeys(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
