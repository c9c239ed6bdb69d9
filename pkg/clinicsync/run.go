package clinicsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/clinicsync/clinicsync/pkg/models"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run serves the local API and supervises the background tasks until ctx is
// done or the server fails.
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	server := &http.Server{
		Addr:              a.config.Listen,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Supervise(gctx)
	})
	g.Go(func() error {
		a.log.Info("local API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down local API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Event streams are hijacked connections that Shutdown does not wait
		// for; closing the hub ends them.
		a.hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	if cmd.SyncOnStart {
		g.Go(func() error {
			a.syncWhenPrimary(gctx)
			return nil
		})
	}
	return g.Wait()
}

// syncWhenPrimary runs one bulk pull as soon as the settled mode is primary.
func (a *App) syncWhenPrimary(ctx context.Context) {
	primaryUp := make(chan struct{}, 1)
	a.conn.OnModeChange(func(_, next models.ConnectionMode) {
		if next == models.ModePrimary {
			select {
			case primaryUp <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-ctx.Done():
		return
	case <-a.settled:
	}
	if a.conn.Mode() != models.ModePrimary {
		select {
		case <-ctx.Done():
			return
		case <-primaryUp:
		}
	}

	report := a.Sync(ctx)
	a.log.Info("startup sync finished", "success", report.Success, "tables", len(report.TablesSynced))
}
