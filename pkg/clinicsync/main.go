package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/clinicsync/clinicsync/internal/tracing"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/goccy/go-json"
)

// ErrSyncIncomplete is returned by the sync command when a table failed.
var ErrSyncIncomplete = errors.New("sync finished with errors")

func Main(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cmd, config, err := Parse(args, out)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cmd == nil {
		return nil
	}

	logData, err := logger.Build().FromPath(config.LogPath).WithLevel(config.LogLevel).Make()
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logData.Close()

	app, err := New(config, logData)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	switch c := cmd.(type) {
	case *RunCommand:
		shutdown, err := tracing.Init(ctx, "clinicsync", config.OTLPEndpoint, config.OTLPInsecure)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logData.Warn("failed to flush traces", "error", err)
			}
		}()
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("agent failed: %w", err)
		}
	case *MigrateCommand:
		if err := app.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return printJSON(out, map[string]any{"migrated": len(config.Tables)})
	case *SyncCommand:
		report := app.Sync(ctx)
		if err := printJSON(out, report); err != nil {
			return err
		}
		if !report.Success {
			return ErrSyncIncomplete
		}
	case *DrainCommand:
		app.conn.Probe(ctx)
		report := app.Drain(ctx)
		if err := printJSON(out, report); err != nil {
			return err
		}
		if report.Err != nil {
			return fmt.Errorf("drain failed: %w", report.Err)
		}
	case *StatusCommand:
		app.conn.Probe(ctx)
		status, err := app.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		return printJSON(out, status)
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
