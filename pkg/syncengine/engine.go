// Package syncengine moves data between the local cache and the remotes: the
// bulk pull copies every configured table from the primary backend into the
// cache, and the drain replays queued offline writes against whichever
// backend is active.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicsync/clinicsync/internal/metrics"
	"github.com/clinicsync/clinicsync/internal/tracing"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/clinicsync/clinicsync/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Replayer sends one queued write to the active backend.
// *gateway.Gateway implements it.
type Replayer interface {
	Replay(ctx context.Context, entry *models.OutboxEntry) error
}

type ModeSource interface {
	Mode() models.ConnectionMode
}

type Engine struct {
	primary  remote.Reader
	cache    store.Cache
	replayer Replayer
	conn     ModeSource

	pageSize  int
	drainSize int
	log       logger.Logger
	now       func() time.Time

	// drainSem admits one drain at a time.
	drainSem chan struct{}
}

type Option func(*Engine)

func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithDrainBatch sets how many outbox entries are read per scan.
func WithDrainBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.drainSize = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func New(primary remote.Reader, cache store.Cache, replayer Replayer, conn ModeSource, opts ...Option) *Engine {
	e := &Engine{
		primary:   primary,
		cache:     cache,
		replayer:  replayer,
		conn:      conn,
		pageSize:  constants.DefaultPageSize,
		drainSize: 100,
		log:       logger.Nop(),
		now:       time.Now,
		drainSem:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SyncAll copies tables from the primary backend into the cache, parents
// before children. A failing table is reported and skipped; tables already
// copied keep their rows. last_sync is stamped only when every table synced.
func (e *Engine) SyncAll(ctx context.Context, tables []models.TableSpec) *models.SyncReport {
	ctx, span := tracing.Tracer().Start(ctx, "syncengine.SyncAll")
	defer span.End()

	report := models.NewSyncReport()

	ordered, err := models.OrderByDependency(tables)
	if err != nil {
		report.Fail(err.Error())
		span.SetStatus(codes.Error, err.Error())
		return report
	}

	for _, spec := range ordered {
		n, err := e.syncTable(ctx, spec)
		if err != nil {
			e.log.Error("table sync failed", "table", spec.Name, "error", err)
			metrics.SyncFailures.WithLabelValues(spec.Name).Inc()
			report.Fail(fmt.Sprintf("%s: %v", spec.Name, err))
			continue
		}
		report.TablesSynced = append(report.TablesSynced, spec.Name)
		report.RecordsCount[spec.Name] = n
		metrics.RowsPulled.WithLabelValues(spec.Name).Add(float64(n))
	}

	if report.Success {
		stamp := e.now().UTC().Format(time.RFC3339)
		if err := e.cache.SetMeta(ctx, constants.MetaLastSync, stamp); err != nil {
			report.Fail(fmt.Sprintf("%s: %v", constants.MetaLastSync, err))
		}
	}

	if report.Error != nil {
		span.SetStatus(codes.Error, *report.Error)
	}
	e.log.Info("bulk pull finished", "success", report.Success, "tables", len(report.TablesSynced))
	return report
}

// syncTable reads every page of a table, then upserts them in one cache
// transaction. Pages are fetched before the transaction so the cache is not
// held during network reads.
func (e *Engine) syncTable(ctx context.Context, spec models.TableSpec) (int, error) {
	ctx, span := tracing.Tracer().Start(ctx, "syncengine.syncTable")
	defer span.End()
	span.SetAttributes(attribute.String("table", spec.Name))

	if err := e.cache.EnsureTable(ctx, spec); err != nil {
		span.RecordError(err)
		return 0, err
	}

	var rows []models.Record
	for offset := 0; ; {
		page, err := e.primary.List(ctx, spec, e.pageSize, offset)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		rows = append(rows, page...)
		if len(page) < e.pageSize {
			break
		}
		offset += len(page)
	}

	var n int
	err := e.cache.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.Upsert(ctx, spec, rows)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("rows", n))
	return n, nil
}

// Drain replays unsynced outbox entries in sequence order and stops at the
// first failure, leaving that entry and every later one queued. Concurrent
// calls run one after another.
func (e *Engine) Drain(ctx context.Context) *models.DrainReport {
	report := &models.DrainReport{}

	select {
	case e.drainSem <- struct{}{}:
		defer func() { <-e.drainSem }()
	case <-ctx.Done():
		msg := ctx.Err().Error()
		report.Error, report.Err = &msg, ctx.Err()
		return report
	}

	ctx, span := tracing.Tracer().Start(ctx, "syncengine.Drain")
	defer span.End()

	report.Mode = e.conn.Mode()
	if report.Mode == models.ModeOffline {
		msg := constants.ErrOffline.Error()
		report.Error, report.Err = &msg, constants.ErrOffline
		report.Remaining, _ = e.Pending(ctx)
		return report
	}

	halted := false
	for !halted {
		entries, err := e.cache.ScanUnsynced(ctx, e.drainSize)
		if err != nil {
			msg := err.Error()
			report.Error, report.Err = &msg, err
			break
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			report.Attempted++
			if err := e.replay(ctx, entry); err != nil {
				report.Halt(entry.Sequence, err)
				metrics.DrainHalts.Inc()
				span.RecordError(err)
				e.log.Warn("outbox drain halted", "sequence", entry.Sequence, "table", entry.TableName,
					"record_id", entry.RecordID, "action", string(entry.Action), "error", err)
				halted = true
				break
			}
			report.Synced++
			metrics.OutboxDrained.Inc()
		}
	}

	report.Remaining, _ = e.Pending(ctx)
	span.SetAttributes(attribute.Int("synced", report.Synced), attribute.Int64("remaining", report.Remaining))
	if report.Synced > 0 || report.Error != nil {
		e.log.Info("outbox drain finished", "mode", report.Mode.String(), "synced", report.Synced, "remaining", report.Remaining)
	}
	return report
}

// replay sends one entry and marks it synced once acknowledged.
func (e *Engine) replay(ctx context.Context, entry *models.OutboxEntry) error {
	if err := e.replayer.Replay(ctx, entry); err != nil {
		return err
	}
	if err := e.cache.MarkSynced(ctx, entry.Sequence); err != nil {
		return fmt.Errorf("replayed but not marked synced: %w", err)
	}
	return nil
}

// Pending counts unsynced outbox entries.
func (e *Engine) Pending(ctx context.Context) (int64, error) {
	stats, err := e.cache.OutboxStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// LastSync returns the time of the last fully successful bulk pull, or nil.
func (e *Engine) LastSync(ctx context.Context) (*time.Time, error) {
	v, ok, err := e.cache.GetMeta(ctx, constants.MetaLastSync)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", constants.MetaLastSync, v, err)
	}
	return &t, nil
}
