package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicsync/clinicsync/pkg/connection"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/events"
	"github.com/clinicsync/clinicsync/pkg/gateway"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/realtime"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"github.com/clinicsync/clinicsync/pkg/remote/primary"
	"github.com/clinicsync/clinicsync/pkg/remote/secondary"
	"github.com/clinicsync/clinicsync/pkg/store/sqlite"
	"github.com/clinicsync/clinicsync/pkg/syncengine"
)

// backends are the remote collaborators of an App. secondary and dial are
// nil when no on-premises database is configured.
type backends struct {
	primary          remote.Backend
	secondary        remote.Backend
	secondaryAddress string
	dial             realtime.Dialer
}

// App wires the agent together: one connection manager shared by the
// gateway, the sync engine and the supervisor.
type App struct {
	config *Config
	log    logger.Logger

	cache   *sqlite.Store
	conn    *connection.Manager
	gateway *gateway.Gateway
	engine  *syncengine.Engine
	hub     *events.Hub

	// bridge is nil without a secondary backend.
	bridge *realtime.Bridge

	// settled is closed once the supervisor's first probe round is done.
	settled chan struct{}

	closers []func() error
}

// New opens the cache and the remotes described by config. A secondary
// backend that cannot be set up is logged and left out; the agent then runs
// with the primary backend and the cache only.
func New(config *Config, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cache, err := sqlite.Open(config.CachePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if err := cache.Migrate(context.Background(), config.Tables); err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("failed to prepare local cache: %w", err)
	}

	b := backends{
		primary: primary.New(config.Primary.URL, config.Primary.APIKey),
	}
	var closers []func() error

	store, err := secondary.New(config.Secondary, log)
	switch {
	case errors.Is(err, constants.ErrNoSecondary):
		log.Info("no secondary backend configured")
	case err != nil:
		log.Error("secondary backend unavailable, continuing without it", "address", config.Secondary.Address(), "error", err)
	default:
		b.secondary = store
		b.secondaryAddress = store.Address()
		b.dial = realtime.PgxDialer(config.Secondary.DSN())
		closers = append(closers, store.Close)
		log.Info("secondary backend configured", "address", store.Address())
	}

	app := assemble(config, log, cache, b)
	app.closers = append(app.closers, closers...)
	return app, nil
}

func assemble(config *Config, log logger.Logger, cache *sqlite.Store, b backends) *App {
	if log == nil {
		log = logger.Nop()
	}
	var secondaryProber remote.Prober
	if b.secondary != nil {
		secondaryProber = b.secondary
	}

	a := &App{
		config:  config,
		log:     log,
		cache:   cache,
		hub:     events.NewHub(log),
		settled: make(chan struct{}),
	}
	a.conn = connection.NewManager(b.primary, secondaryProber, b.secondaryAddress,
		connection.WithInterval(config.ProbeInterval.Std()),
		connection.WithLogger(log),
	)
	a.gateway = gateway.New(a.conn, b.primary, b.secondary, cache, config.Tables, log)
	a.engine = syncengine.New(b.primary, cache, a.gateway, a.conn,
		syncengine.WithPageSize(config.PageSize),
		syncengine.WithLogger(log),
	)
	if b.dial != nil {
		channels := realtime.NewChannelSet(config.ChannelSetVersion, config.Tables)
		a.bridge = realtime.NewBridge(b.dial, channels, a.publishChange, realtime.WithLogger(log))
	}
	return a
}

func (a *App) publishChange(n models.ChangeNotification) {
	a.hub.Publish(events.KindChange, n)
}

// Close stops the bridge and releases the cache and the remotes.
func (a *App) Close() error {
	if a.bridge != nil {
		a.bridge.Stop()
	}
	a.hub.Close()

	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	errs = append(errs, a.cache.Close())
	return errors.Join(errs...)
}

func (a *App) Manager() *connection.Manager {
	return a.conn
}

func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

func (a *App) Events() *events.Hub {
	return a.hub
}

// Migrate creates cache tables for every configured table.
func (a *App) Migrate(ctx context.Context) error {
	return a.cache.Migrate(ctx, a.config.Tables)
}

// Sync runs a bulk pull of every configured table and publishes the report.
func (a *App) Sync(ctx context.Context) *models.SyncReport {
	report := a.engine.SyncAll(ctx, a.config.Tables)
	a.hub.Publish(events.KindSyncReport, report)
	return report
}

// Drain replays queued writes and publishes the report when anything was
// attempted or went wrong.
func (a *App) Drain(ctx context.Context) *models.DrainReport {
	report := a.engine.Drain(ctx)
	if report.Attempted > 0 || (report.Err != nil && !errors.Is(report.Err, constants.ErrOffline)) {
		a.hub.Publish(events.KindDrainReport, report)
	}
	return report
}

// StatusReport is what the status endpoint and command print.
type StatusReport struct {
	Connection models.ConnectionStatus `json:"connection"`
	Outbox     *models.OutboxStats     `json:"outbox"`
	LastSync   *string                 `json:"last_sync"`
	Bridge     string                  `json:"bridge"`
}

func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	stats, err := a.cache.OutboxStats(ctx)
	if err != nil {
		return nil, err
	}
	last, err := a.engine.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	r := &StatusReport{
		Connection: a.conn.Status(),
		Outbox:     stats,
		Bridge:     realtime.StateStopped.String(),
	}
	if last != nil {
		s := last.Format(time.RFC3339)
		r.LastSync = &s
	}
	if a.bridge != nil {
		r.Bridge = a.bridge.State().String()
	}
	return r, nil
}
