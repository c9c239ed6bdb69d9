// Package store defines the local cache the agent falls back to when no
// remote backend is reachable.
//
// The cache mirrors configured tables by primary key and holds two private
// tables: the outbox of writes made while offline, and a key/value metadata
// table. All writes go through a single writer; see
// [github.com/clinicsync/clinicsync/pkg/store/sqlite.Store].
package store

import (
	"context"

	"github.com/clinicsync/clinicsync/pkg/models"
)

// Reader is the read side of the cache.
type Reader interface {
	// Get returns the cached row, or constants.ErrNotFound.
	Get(ctx context.Context, spec models.TableSpec, id string) (models.Record, error)
	// List returns rows ordered by primary key. A non-positive limit means all rows.
	List(ctx context.Context, spec models.TableSpec, limit, offset int) ([]models.Record, error)

	// ScanUnsynced returns unsynced outbox entries in sequence order.
	ScanUnsynced(ctx context.Context, limit int) ([]*models.OutboxEntry, error)
	// PendingFor counts unsynced outbox entries of one record.
	PendingFor(ctx context.Context, table, id string) (int, error)
	OutboxStats(ctx context.Context) (*models.OutboxStats, error)

	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)
}

// Writer is the write side of the cache.
type Writer interface {
	// EnsureTable creates the mirror table and any missing declared column.
	EnsureTable(ctx context.Context, spec models.TableSpec) error
	// Upsert inserts or overwrites rows by primary key and returns how many
	// rows were written. Fields not yet present in the cache become new columns.
	Upsert(ctx context.Context, spec models.TableSpec, records []models.Record) (int, error)
	// ApplyPatch updates only the fields present in patch.
	ApplyPatch(ctx context.Context, spec models.TableSpec, id string, patch *models.Patch) error
	Delete(ctx context.Context, spec models.TableSpec, id string) error

	// AppendOutbox stores an unsynced entry and returns its sequence.
	AppendOutbox(ctx context.Context, entry *models.OutboxEntry) (int64, error)
	MarkSynced(ctx context.Context, sequence int64) error

	SetMeta(ctx context.Context, key, value string) error
}

// Tx is the cache seen from inside a transaction.
type Tx interface {
	Reader
	Writer
}

// Cache is the local cache store.
type Cache interface {
	Tx
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
