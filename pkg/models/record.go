package models

import (
	"fmt"
	"strconv"

	"github.com/clinicsync/clinicsync/pkg/constants"
)

// Record is one table row keyed by column name.
type Record map[string]any

// ID returns the primary key value rendered as a string.
func (r Record) ID(pk string) (string, bool) {
	v, ok := r[pk]
	if !ok || v == nil {
		return "", false
	}
	return FormatID(v), true
}

// FormatID renders a primary key value the way the cache and the outbox store it.
func FormatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprint(id)
	}
}

// Patch is a partial update: only the fields that were set are written.
// Field order is preserved so generated statements are deterministic.
type Patch struct {
	fields []string
	values map[string]any
}

func NewPatch() *Patch {
	return &Patch{values: map[string]any{}}
}

// PatchFromRecord builds a patch with every field of r, sorted by the order of
// columns when given, otherwise in the record's iteration order sorted by name.
func PatchFromRecord(r Record, columns ...string) *Patch {
	p := NewPatch()
	for _, c := range columns {
		if v, ok := r[c]; ok {
			p.Set(c, v)
		}
	}
	for _, k := range sortedKeys(r) {
		if _, ok := p.values[k]; !ok {
			p.Set(k, r[k])
		}
	}
	return p
}

// Set adds or replaces a field. A nil value sets the column to NULL.
func (p *Patch) Set(field string, value any) *Patch {
	if _, ok := p.values[field]; !ok {
		p.fields = append(p.fields, field)
	}
	p.values[field] = value
	return p
}

func (p *Patch) Fields() []string {
	return append([]string(nil), p.fields...)
}

func (p *Patch) Value(field string) (any, bool) {
	v, ok := p.values[field]
	return v, ok
}

func (p *Patch) Len() int {
	return len(p.fields)
}

// Record returns the present fields as a Record.
func (p *Patch) Record() Record {
	r := make(Record, len(p.fields))
	for _, f := range p.fields {
		r[f] = p.values[f]
	}
	return r
}

// Validate checks the patch against the table's updatable columns.
func (p *Patch) Validate(spec TableSpec) error {
	if p == nil || p.Len() == 0 {
		return constants.ErrEmptyPatch
	}
	for _, f := range p.fields {
		if !spec.Updatable(f) {
			return fmt.Errorf("%w: %s.%s", constants.ErrUnknownField, spec.Name, f)
		}
	}
	return nil
}
