package sqlite

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/goccy/go-json"
)

// coerce maps a remote field value onto SQLite's native scalars: text,
// number, NULL and booleans as 0/1. Objects and arrays are stored as JSON text.
func coerce(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string, int64, float64, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any, models.Record:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("unsupported value %T: %w", v, err)
		}
		return string(b), nil
	}
}

func sortedFields(rec models.Record, pk string) []string {
	fields := make([]string, 0, len(rec))
	for k := range rec {
		if k != pk {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []models.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}

		rec := make(models.Record, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
