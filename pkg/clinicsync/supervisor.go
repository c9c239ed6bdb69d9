package clinicsync

import (
	"context"
	"errors"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/events"
	"github.com/clinicsync/clinicsync/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Supervise owns the background tasks until ctx is done: the periodic
// prober, the drain worker and the realtime bridge.
//
// On every mode change the new status is published. Entering secondary mode
// starts the bridge and leaving it stops the bridge. Reaching any online
// mode schedules a drain. Drains run on their own goroutine so a slow replay
// never delays probing; triggers arriving during a drain collapse into one.
func (a *App) Supervise(ctx context.Context) error {
	drains := make(chan struct{}, 1)
	trigger := func() {
		select {
		case drains <- struct{}{}:
		default:
		}
	}

	a.conn.OnModeChange(func(prev, next models.ConnectionMode) {
		a.hub.Publish(events.KindMode, a.conn.Status())
		a.switchBridge(ctx, prev, next)
		if next.Online() {
			trigger()
		}
	})

	// Settle the mode before anything is replayed against it.
	a.conn.Probe(ctx)
	close(a.settled)
	if a.conn.Mode().Online() {
		trigger()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.conn.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-drains:
				a.drainInBackground(gctx)
			}
		}
	})

	err := g.Wait()
	if a.bridge != nil {
		a.bridge.Stop()
	}
	a.log.Info("supervisor stopped")
	return err
}

func (a *App) switchBridge(ctx context.Context, prev, next models.ConnectionMode) {
	if a.bridge == nil {
		return
	}
	switch {
	case next == models.ModeSecondary:
		if err := a.bridge.Start(ctx); err != nil {
			a.log.Error("failed to start realtime bridge", "error", err)
		}
	case prev == models.ModeSecondary:
		a.bridge.Stop()
	}
}

func (a *App) drainInBackground(ctx context.Context) {
	report := a.Drain(ctx)
	switch {
	case report.Err == nil:
		if report.Synced > 0 {
			a.log.Info("queued writes replayed", "synced", report.Synced, "mode", report.Mode.String())
		}
	case errors.Is(report.Err, constants.ErrOffline), ctx.Err() != nil:
	default:
		a.log.Warn("outbox drain stopped early", "remaining", report.Remaining, "error", report.Err)
	}
}
