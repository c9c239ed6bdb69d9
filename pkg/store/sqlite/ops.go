package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/store"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops runs cache operations on either the database or an open transaction.
// The caller holds Store.mu.
type ops struct {
	q querier
	s *Store
}

var _ store.Tx = (*ops)(nil)

func quote(name string) (string, error) {
	if !models.ValidIdentifier(name) {
		return "", fmt.Errorf("%w: %q", constants.ErrInvalidName, name)
	}
	return `"` + name + `"`, nil
}

func (o *ops) EnsureTable(ctx context.Context, spec models.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	table, _ := quote(spec.Name)
	pk, _ := quote(spec.PK())
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY NOT NULL)`, table, pk)
	if _, err := o.q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create cache table %s: %w", spec.Name, err)
	}

	return o.ensureColumns(ctx, spec, spec.Columns)
}

// knownColumns loads the table's columns once and keeps them in the store.
func (o *ops) knownColumns(ctx context.Context, table string) (map[string]bool, error) {
	if cols, ok := o.s.columns[table]; ok {
		return cols, nil
	}

	if !models.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", constants.ErrInvalidName, table)
	}
	rows, err := o.q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", constants.ErrUnknownTable, table)
	}

	o.s.columns[table] = cols
	return cols, nil
}

// ensureColumns adds every field the cache table does not have yet, so the
// mirror keeps up with columns added on the remote.
func (o *ops) ensureColumns(ctx context.Context, spec models.TableSpec, fields []string) error {
	cols, err := o.knownColumns(ctx, spec.Name)
	if err != nil {
		return err
	}

	table, _ := quote(spec.Name)
	for _, f := range fields {
		if cols[f] {
			continue
		}
		col, err := quote(f)
		if err != nil {
			return err
		}
		if _, err := o.q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, col)); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", spec.Name, f, err)
		}
		o.s.log.Debug("added cache column", "table", spec.Name, "column", f)
		cols[f] = true
	}
	return nil
}

func (o *ops) Upsert(ctx context.Context, spec models.TableSpec, records []models.Record) (int, error) {
	table, err := quote(spec.Name)
	if err != nil {
		return 0, err
	}
	pkName := spec.PK()
	pk, err := quote(pkName)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range records {
		id, ok := rec.ID(pkName)
		if !ok {
			return n, fmt.Errorf("record in %s has no %s", spec.Name, pkName)
		}

		fields := sortedFields(rec, pkName)
		if err := o.ensureColumns(ctx, spec, fields); err != nil {
			return n, err
		}

		cols := []string{pk}
		marks := []string{"?"}
		sets := make([]string, 0, len(fields))
		args := []any{id}
		for _, f := range fields {
			col, _ := quote(f)
			v, err := coerce(rec[f])
			if err != nil {
				return n, fmt.Errorf("field %s.%s: %w", spec.Name, f, err)
			}
			cols = append(cols, col)
			marks = append(marks, "?")
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
			args = append(args, v)
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		if len(sets) > 0 {
			stmt += fmt.Sprintf(` ON CONFLICT(%s) DO UPDATE SET %s`, pk, strings.Join(sets, ", "))
		} else {
			stmt += fmt.Sprintf(` ON CONFLICT(%s) DO NOTHING`, pk)
		}

		if _, err := o.q.ExecContext(ctx, stmt, args...); err != nil {
			return n, fmt.Errorf("failed to upsert %s/%s: %w", spec.Name, id, err)
		}
		n++
	}
	return n, nil
}

func (o *ops) Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error) {
	table, err := quote(spec.Name)
	if err != nil {
		return nil, err
	}
	pk, err := quote(spec.PK())
	if err != nil {
		return nil, err
	}

	rows, err := o.q.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, table, pk), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", spec.Name, id, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, spec.Name, id)
	}
	return recs[0], nil
}

func (o *ops) List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error) {
	table, err := quote(spec.Name)
	if err != nil {
		return nil, err
	}
	pk, err := quote(spec.PK())
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := o.q.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?`, table, pk), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", spec.Name, err)
	}
	return scanRecords(rows)
}

func (o *ops) ApplyPatch(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) error {
	if err := patch.Validate(spec); err != nil {
		return err
	}
	table, err := quote(spec.Name)
	if err != nil {
		return err
	}
	pk, err := quote(spec.PK())
	if err != nil {
		return err
	}

	fields := patch.Fields()
	if err := o.ensureColumns(ctx, spec, fields); err != nil {
		return err
	}

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		col, _ := quote(f)
		raw, _ := patch.Value(f)
		v, err := coerce(raw)
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", spec.Name, f, err)
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	res, err := o.q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`, table, strings.Join(sets, ", "), pk), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", spec.Name, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", constants.ErrNotFound, spec.Name, id)
	}
	return nil
}

func (o *ops) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	table, err := quote(spec.Name)
	if err != nil {
		return err
	}
	pk, err := quote(spec.PK())
	if err != nil {
		return err
	}
	if _, err := o.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, pk), id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", spec.Name, id, err)
	}
	return nil
}

func (o *ops) AppendOutbox(ctx context.Context, entry *models.OutboxEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := o.q.ExecContext(ctx,
		`INSERT INTO sync_outbox (table_name, record_id, action, data, synced, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		entry.TableName, entry.RecordID, string(entry.Action), entry.Data, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to append outbox entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	entry.Sequence = seq
	entry.Synced = false
	return seq, nil
}

func (o *ops) ScanUnsynced(ctx context.Context, limit int) ([]*models.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT sequence, table_name, record_id, action, data, synced, created_at, synced_at
		 FROM sync_outbox WHERE synced = 0 ORDER BY sequence ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	defer rows.Close()

	var entries []*models.OutboxEntry
	for rows.Next() {
		var (
			e         models.OutboxEntry
			action    string
			createdAt string
			syncedAt  sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.TableName, &e.RecordID, &action, &e.Data, &e.Synced, &createdAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		// Unknown actions are left for the drain to reject so the entry halts
		// the queue instead of vanishing from it.
		e.Action = models.SyncAction(action)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if syncedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, syncedAt.String); err == nil {
				e.SyncedAt = &t
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (o *ops) PendingFor(ctx context.Context, table, id string) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE synced = 0 AND table_name = ? AND record_id = ?`,
		table, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending writes of %s/%s: %w", table, id, err)
	}
	return n, nil
}

func (o *ops) MarkSynced(ctx context.Context, sequence int64) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE sync_outbox SET synced = 1, synced_at = ? WHERE sequence = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sequence)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d synced: %w", sequence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: outbox entry %d", constants.ErrNotFound, sequence)
	}
	return nil
}

func (o *ops) OutboxStats(ctx context.Context) (*models.OutboxStats, error) {
	stats := &models.OutboxStats{}
	var oldest sql.NullString
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
		        MIN(CASE WHEN synced = 0 THEN created_at END)
		 FROM sync_outbox`).Scan(&stats.Total, &stats.Pending, &stats.Synced, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			stats.OldestPending = &t
		}
	}
	return stats, nil
}

func (o *ops) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (o *ops) SetMeta(ctx context.Context, key, value string) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}
