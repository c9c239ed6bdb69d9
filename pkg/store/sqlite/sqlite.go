// Package sqlite implements the local cache on an embedded single-file SQLite
// database using the cgo-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/store"
	"github.com/fishy/errbatch"
	_ "modernc.org/sqlite" // register the pure-Go SQLite driver
)

const MemoryPath = ":memory:"

// Store is a [store.Cache] backed by SQLite.
//
// A single mutex serializes every operation, including whole transactions
// started by WithTx.
type Store struct {
	db  *sql.DB
	log logger.Logger

	mu sync.Mutex
	// columns caches the known columns of each mirror table.
	columns map[string]map[string]bool
}

var _ store.Cache = (*Store)(nil)

// Open opens or creates the cache at path. Use MemoryPath for a throwaway
// in-memory cache.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// One connection: the in-memory database lives and dies with it, and the
	// file database has a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		log:     log,
		columns: map[string]map[string]bool{},
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_outbox (
			sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT    NOT NULL,
			record_id  TEXT    NOT NULL,
			action     TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT    NOT NULL,
			synced_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_pending ON sync_outbox(synced, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_record ON sync_outbox(table_name, record_id, synced)`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key        TEXT PRIMARY KEY NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			s.resetColumns()
			panic(p)
		}
	}()

	if err = fn(&ops{q: sqlTx, s: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.log.Error("cache rollback failed", "error", rbErr)
		}
		// ALTER TABLE inside the transaction was rolled back too.
		s.resetColumns()
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		s.resetColumns()
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

func (s *Store) resetColumns() {
	s.columns = map[string]map[string]bool{}
}

// locked runs fn outside any transaction while holding the writer mutex.
func (s *Store) locked(fn func(o *ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&ops{q: s.db, s: s})
}

func (s *Store) Get(ctx context.Context, spec models.TableSpec, id string) (rec models.Record, err error) {
	err = s.locked(func(o *ops) error {
		rec, err = o.Get(ctx, spec, id)
		return err
	})
	return rec, err
}

func (s *Store) List(ctx context.Context, spec models.TableSpec, limit, offset int) (recs []models.Record, err error) {
	err = s.locked(func(o *ops) error {
		recs, err = o.List(ctx, spec, limit, offset)
		return err
	})
	return recs, err
}

func (s *Store) ScanUnsynced(ctx context.Context, limit int) (entries []*models.OutboxEntry, err error) {
	err = s.locked(func(o *ops) error {
		entries, err = o.ScanUnsynced(ctx, limit)
		return err
	})
	return entries, err
}

func (s *Store) PendingFor(ctx context.Context, table, id string) (n int, err error) {
	err = s.locked(func(o *ops) error {
		n, err = o.PendingFor(ctx, table, id)
		return err
	})
	return n, err
}

func (s *Store) OutboxStats(ctx context.Context) (stats *models.OutboxStats, err error) {
	err = s.locked(func(o *ops) error {
		stats, err = o.OutboxStats(ctx)
		return err
	})
	return stats, err
}

func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.locked(func(o *ops) error {
		value, ok, err = o.GetMeta(ctx, key)
		return err
	})
	return value, ok, err
}

func (s *Store) EnsureTable(ctx context.Context, spec models.TableSpec) error {
	return s.locked(func(o *ops) error {
		return o.EnsureTable(ctx, spec)
	})
}

// Upsert writes all records in one transaction.
func (s *Store) Upsert(ctx context.Context, spec models.TableSpec, records []models.Record) (n int, err error) {
	err = s.WithTx(ctx, func(tx store.Tx) error {
		n, err = tx.Upsert(ctx, spec, records)
		return err
	})
	return n, err
}

func (s *Store) ApplyPatch(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) error {
	return s.locked(func(o *ops) error {
		return o.ApplyPatch(ctx, spec, id, patch)
	})
}

func (s *Store) Delete(ctx context.Context, spec models.TableSpec, id string) error {
	return s.locked(func(o *ops) error {
		return o.Delete(ctx, spec, id)
	})
}

func (s *Store) AppendOutbox(ctx context.Context, entry *models.OutboxEntry) (seq int64, err error) {
	err = s.locked(func(o *ops) error {
		seq, err = o.AppendOutbox(ctx, entry)
		return err
	})
	return seq, err
}

func (s *Store) MarkSynced(ctx context.Context, sequence int64) error {
	return s.locked(func(o *ops) error {
		return o.MarkSynced(ctx, sequence)
	})
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.locked(func(o *ops) error {
		return o.SetMeta(ctx, key, value)
	})
}

// Migrate creates the mirror tables for specs.
func (s *Store) Migrate(ctx context.Context, specs []models.TableSpec) error {
	var batch errbatch.ErrBatch
	for _, spec := range specs {
		if err := s.EnsureTable(ctx, spec); err != nil {
			batch.Add(fmt.Errorf("table %s: %w", spec.Name, err))
		}
	}
	return batch.Compile()
}
