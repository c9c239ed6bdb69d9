// Package gateway is the single data path of the business layer. It sends
// reads and writes to the backend selected by the connection manager, keeps
// the local cache current, and queues writes in the outbox when no backend
// can take them.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicsync/clinicsync/internal/metrics"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/clinicsync/clinicsync/pkg/store"
	"github.com/fishy/rowlock"
	"github.com/google/uuid"
)

// ModeSource tells which backend is selected.
// *connection.Manager implements it.
type ModeSource interface {
	Mode() models.ConnectionMode
	ShouldUseSecondary() bool
}

// Source names where a read was served from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceCache     Source = "cache"
)

// WriteResult describes how a write was applied.
type WriteResult struct {
	Record   models.Record `json:"record,omitempty"`
	Source   Source        `json:"source"`
	Queued   bool          `json:"queued"`
	Sequence int64         `json:"sequence,omitempty"`
}

type Gateway struct {
	conn      ModeSource
	primary   remote.Backend
	secondary remote.Backend
	cache     store.Cache
	tables    map[string]models.TableSpec
	order     []models.TableSpec

	// locks serializes writes to the same record so the cache and the outbox
	// see them in the same order.
	locks *rowlock.RowLock
	log   logger.Logger
}

// New creates a gateway. secondary may be nil.
func New(conn ModeSource, primary, secondary remote.Backend, cache store.Cache, tables []models.TableSpec, log logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	g := &Gateway{
		conn:      conn,
		primary:   primary,
		secondary: secondary,
		cache:     cache,
		tables:    make(map[string]models.TableSpec, len(tables)),
		order:     tables,
		locks:     rowlock.NewRowLock(rowlock.MutexNewLocker),
		log:       log,
	}
	for _, t := range tables {
		g.tables[t.Name] = t
	}
	return g
}

// Table returns the configured spec of name.
func (g *Gateway) Table(name string) (models.TableSpec, error) {
	spec, ok := g.tables[name]
	if !ok {
		return models.TableSpec{}, fmt.Errorf("%w: %s", constants.ErrUnknownTable, name)
	}
	return spec, nil
}

// Tables returns every configured spec in configuration order.
func (g *Gateway) Tables() []models.TableSpec {
	return append([]models.TableSpec(nil), g.order...)
}

// active returns the selected backend, or nil when offline.
func (g *Gateway) active() (remote.Backend, Source) {
	switch {
	case g.conn.ShouldUseSecondary() && g.secondary != nil:
		return g.secondary, SourceSecondary
	case g.conn.Mode() == models.ModePrimary:
		return g.primary, SourcePrimary
	}
	return nil, SourceCache
}

func rowKey(table, id string) string {
	return table + "/" + id
}

// Get reads through the active backend and refreshes the cached row. When
// offline, or when the backend turns out to be unreachable, the cached row
// is returned.
func (g *Gateway) Get(ctx context.Context, table, id string) (models.Record, Source, error) {
	spec, err := g.Table(table)
	if err != nil {
		return nil, "", err
	}

	if backend, src := g.active(); backend != nil {
		rec, err := backend.Get(ctx, spec, id)
		switch {
		case err == nil:
			g.refresh(ctx, spec, rec)
			return rec, src, nil
		case !remote.IsConnectivity(err):
			return nil, src, err
		}
		g.log.Warn("backend unreachable, reading from cache", "backend", backend.Name(), "table", table, "error", err)
	}

	rec, err := g.cache.Get(ctx, spec, id)
	return rec, SourceCache, err
}

// List pages through the active backend, falling back to the cache like Get.
func (g *Gateway) List(ctx context.Context, table string, limit, offset int) ([]models.Record, Source, error) {
	spec, err := g.Table(table)
	if err != nil {
		return nil, "", err
	}

	if backend, src := g.active(); backend != nil {
		recs, err := backend.List(ctx, spec, limit, offset)
		switch {
		case err == nil:
			if _, err := g.cache.Upsert(ctx, spec, recs); err != nil {
				g.log.Warn("failed to refresh cache", "table", table, "error", err)
			}
			return recs, src, nil
		case !remote.IsConnectivity(err):
			return nil, src, err
		}
		g.log.Warn("backend unreachable, listing from cache", "backend", backend.Name(), "table", table, "error", err)
	}

	recs, err := g.cache.List(ctx, spec, limit, offset)
	return recs, SourceCache, err
}

// Create writes a new row. Rows without a primary key get a random UUID so
// they can be created offline.
func (g *Gateway) Create(ctx context.Context, table string, rec models.Record) (*WriteResult, error) {
	spec, err := g.Table(table)
	if err != nil {
		return nil, err
	}
	rec = copyRecord(rec)
	id, ok := rec.ID(spec.PK())
	if !ok {
		id = uuid.NewString()
		rec[spec.PK()] = id
	}
	for f := range rec {
		if f != spec.PK() && !spec.Updatable(f) {
			return nil, fmt.Errorf("%w: %s.%s", constants.ErrUnknownField, spec.Name, f)
		}
	}

	g.locks.Lock(rowKey(table, id))
	defer g.locks.Unlock(rowKey(table, id))

	return g.write(ctx, spec, id, models.ActionCreate, rec,
		func(b remote.Backend) (models.Record, error) {
			return b.Create(ctx, spec, rec)
		},
		func(tx store.Tx) error {
			_, err := tx.Upsert(ctx, spec, []models.Record{rec})
			return err
		})
}

// Update applies a partial update.
func (g *Gateway) Update(ctx context.Context, table, id string, patch *models.Patch) (*WriteResult, error) {
	spec, err := g.Table(table)
	if err != nil {
		return nil, err
	}
	if err := patch.Validate(spec); err != nil {
		return nil, err
	}

	g.locks.Lock(rowKey(table, id))
	defer g.locks.Unlock(rowKey(table, id))

	return g.write(ctx, spec, id, models.ActionUpdate, patch.Record(),
		func(b remote.Backend) (models.Record, error) {
			return b.Update(ctx, spec, id, patch)
		},
		func(tx store.Tx) error {
			err := tx.ApplyPatch(ctx, spec, id, patch)
			if errors.Is(err, constants.ErrNotFound) {
				// Not cached yet: the write is only queued and the next pull
				// brings the row in.
				return nil
			}
			return err
		})
}

func (g *Gateway) Delete(ctx context.Context, table, id string) (*WriteResult, error) {
	spec, err := g.Table(table)
	if err != nil {
		return nil, err
	}

	g.locks.Lock(rowKey(table, id))
	defer g.locks.Unlock(rowKey(table, id))

	return g.write(ctx, spec, id, models.ActionDelete, nil,
		func(b remote.Backend) (models.Record, error) {
			return nil, b.Delete(ctx, spec, id)
		},
		func(tx store.Tx) error {
			return tx.Delete(ctx, spec, id)
		})
}

// write sends a write to the active backend. It is queued instead when no
// backend is selected, the selected one cannot be reached, or the record
// still has queued writes that must reach the backend first. A rejection by
// the backend is returned as is.
//
// Callers hold the record's row lock.
func (g *Gateway) write(
	ctx context.Context,
	spec models.TableSpec,
	id string,
	action models.SyncAction,
	fields models.Record,
	send func(remote.Backend) (models.Record, error),
	local func(store.Tx) error,
) (*WriteResult, error) {
	if backend, src := g.active(); backend != nil {
		pending, err := g.cache.PendingFor(ctx, spec.Name, id)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			g.log.Info("record has queued writes, queueing behind them",
				"table", spec.Name, "id", id, "action", string(action), "pending", pending)
			return g.queue(ctx, spec, id, action, fields, local)
		}

		rec, err := send(backend)
		if err == nil {
			g.applyRemoteResult(ctx, spec, id, action, rec)
			return &WriteResult{Record: rec, Source: src}, nil
		}
		if !remote.IsConnectivity(err) {
			return nil, err
		}
		g.log.Warn("backend unreachable, queueing write", "backend", backend.Name(),
			"table", spec.Name, "id", id, "action", string(action), "error", err)
	}

	return g.queue(ctx, spec, id, action, fields, local)
}

// queue applies the write to the cache and appends it to the outbox in one
// transaction.
func (g *Gateway) queue(ctx context.Context, spec models.TableSpec, id string, action models.SyncAction, fields models.Record, local func(store.Tx) error) (*WriteResult, error) {
	entry, err := models.NewOutboxEntry(spec.Name, id, action, fields)
	if err != nil {
		return nil, err
	}

	var rec models.Record
	err = g.cache.WithTx(ctx, func(tx store.Tx) error {
		if err := local(tx); err != nil {
			return err
		}
		if _, err := tx.AppendOutbox(ctx, entry); err != nil {
			return err
		}
		if action == models.ActionDelete {
			return nil
		}
		cached, err := tx.Get(ctx, spec, id)
		switch {
		case errors.Is(err, constants.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		rec = cached
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s of %s/%s: %w", action, spec.Name, id, err)
	}

	metrics.OutboxQueued.WithLabelValues(spec.Name, string(action)).Inc()
	g.log.Info("write queued", "table", spec.Name, "id", id, "action", string(action), "sequence", entry.Sequence)
	return &WriteResult{Record: rec, Source: SourceCache, Queued: true, Sequence: entry.Sequence}, nil
}

// Replay sends a queued entry to the active backend. It is the write path of
// the outbox drain.
func (g *Gateway) Replay(ctx context.Context, entry *models.OutboxEntry) error {
	backend, _ := g.active()
	if backend == nil {
		return constants.ErrOffline
	}

	spec, err := g.Table(entry.TableName)
	if err != nil {
		return fmt.Errorf("%w: entry %d: %w", constants.ErrMalformedPayload, entry.Sequence, err)
	}
	payload, err := entry.Payload()
	if err != nil {
		return fmt.Errorf("%w: entry %d: %w", constants.ErrMalformedPayload, entry.Sequence, err)
	}

	g.locks.Lock(rowKey(spec.Name, entry.RecordID))
	defer g.locks.Unlock(rowKey(spec.Name, entry.RecordID))

	var rec models.Record
	switch entry.Action {
	case models.ActionCreate:
		payload[spec.PK()] = entry.RecordID
		rec, err = backend.Create(ctx, spec, payload)
	case models.ActionUpdate:
		delete(payload, spec.PK())
		patch := models.PatchFromRecord(payload, spec.Columns...)
		if verr := patch.Validate(spec); verr != nil {
			return fmt.Errorf("%w: entry %d: %w", constants.ErrMalformedPayload, entry.Sequence, verr)
		}
		rec, err = backend.Update(ctx, spec, entry.RecordID, patch)
	case models.ActionDelete:
		err = backend.Delete(ctx, spec, entry.RecordID)
	default:
		return fmt.Errorf("%w: entry %d: unknown action %q", constants.ErrMalformedPayload, entry.Sequence, entry.Action)
	}
	if err != nil {
		return err
	}

	g.applyRemoteResult(ctx, spec, entry.RecordID, entry.Action, rec)
	return nil
}

// applyRemoteResult mirrors an acknowledged write into the cache. Cache
// failures are logged: the remote already holds the truth and the next bulk
// pull repairs the cache.
func (g *Gateway) applyRemoteResult(ctx context.Context, spec models.TableSpec, id string, action models.SyncAction, rec models.Record) {
	var err error
	switch {
	case action == models.ActionDelete:
		err = g.cache.Delete(ctx, spec, id)
	case rec != nil:
		_, err = g.cache.Upsert(ctx, spec, []models.Record{rec})
	}
	if err != nil && !errors.Is(err, constants.ErrNotFound) {
		g.log.Warn("failed to refresh cache after remote write", "table", spec.Name, "id", id, "error", err)
	}
}

func (g *Gateway) refresh(ctx context.Context, spec models.TableSpec, rec models.Record) {
	if _, err := g.cache.Upsert(ctx, spec, []models.Record{rec}); err != nil {
		g.log.Warn("failed to refresh cache", "table", spec.Name, "error", err)
	}
}

func copyRecord(r models.Record) models.Record {
	out := make(models.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
