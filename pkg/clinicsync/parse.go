package clinicsync

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// flagValues holds the raw command line values; only flags the user set
// override the lower configuration layers.
type flagValues struct {
	configPath   string
	primaryURL   string
	apiKey       string
	tables       string
	cachePath    string
	listen       string
	logLevel     string
	logPath      string
	otlpEndpoint string
	pageSize     int
	probe        time.Duration

	secondaryEnabled bool
	secondaryHost    string
	secondaryPort    int
	secondaryDB      string
	secondaryUser    string

	syncOnStart bool
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// Parse reads args into the selected command and its configuration. Both
// are nil when only help was requested.
func Parse(args []string, out io.Writer) (Command, *Config, error) {
	var (
		fv       flagValues
		selected Command
		config   *Config
	)

	root := &cobra.Command{
		Use:           "clinicsync",
		Short:         "Keep a clinic workstation working through backend outages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVar(&fv.configPath, "config", getEnv(envPrefix+"CONFIG", ""), "YAML configuration file")
	pf.StringVar(&fv.primaryURL, "primary-url", "", "Base URL of the hosted REST backend")
	pf.StringVar(&fv.apiKey, "primary-api-key", "", "API key of the hosted REST backend")
	pf.StringVar(&fv.tables, "tables", "", "Replicated tables, e.g. patients,staff,appointments:patients+staff")
	pf.StringVar(&fv.cachePath, "cache-path", "", "Local cache database file")
	pf.StringVar(&fv.listen, "listen", "", "Address of the local API")
	pf.StringVar(&fv.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&fv.logPath, "log-path", "", "Append logs to this file instead of stdout")
	pf.StringVar(&fv.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace collector, host:port")
	pf.IntVar(&fv.pageSize, "page-size", 0, "Rows per page during a bulk pull")
	pf.DurationVar(&fv.probe, "probe-interval", 0, "Time between reachability checks")
	pf.BoolVar(&fv.secondaryEnabled, "secondary", false, "Enable the on-premises PostgreSQL backend")
	pf.StringVar(&fv.secondaryHost, "secondary-host", "", "On-premises PostgreSQL host")
	pf.IntVar(&fv.secondaryPort, "secondary-port", 0, "On-premises PostgreSQL port")
	pf.StringVar(&fv.secondaryDB, "secondary-database", "", "On-premises PostgreSQL database")
	pf.StringVar(&fv.secondaryUser, "secondary-user", "", "On-premises PostgreSQL user")

	choose := func(c Command) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := fv.load(cmd)
			if err != nil {
				return err
			}
			selected, config = c, cfg
			return nil
		}
	}

	run := &RunCommand{}
	runCmd := &cobra.Command{Use: "run", Short: "Run the agent and its local API", Args: cobra.NoArgs, RunE: choose(run)}
	runCmd.Flags().BoolVar(&run.SyncOnStart, "sync-on-start", false, "Bulk pull once the primary backend is reachable")

	root.AddCommand(
		runCmd,
		&cobra.Command{Use: "sync", Short: "Pull every table from the primary backend into the cache", Args: cobra.NoArgs, RunE: choose(&SyncCommand{})},
		&cobra.Command{Use: "drain", Short: "Replay queued offline writes", Args: cobra.NoArgs, RunE: choose(&DrainCommand{})},
		&cobra.Command{Use: "status", Short: "Probe the backends and print the connection status", Args: cobra.NoArgs, RunE: choose(&StatusCommand{})},
		&cobra.Command{Use: "migrate", Short: "Create the cache tables", Args: cobra.NoArgs, RunE: choose(&MigrateCommand{})},
	)

	if err := root.Execute(); err != nil {
		return nil, nil, err
	}
	return selected, config, nil
}

// load layers defaults, the config file, the environment and changed flags.
func (fv *flagValues) load(cmd *cobra.Command) (*Config, error) {
	config := DefaultConfig()
	if fv.configPath != "" {
		if err := config.LoadFile(fv.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("primary-url") {
		config.Primary.URL = fv.primaryURL
	}
	if changed("primary-api-key") {
		config.Primary.APIKey = fv.apiKey
	}
	if changed("tables") {
		tables, err := ParseTables(fv.tables)
		if err != nil {
			return nil, fmt.Errorf("--tables: %w", err)
		}
		config.Tables = tables
	}
	if changed("cache-path") {
		config.CachePath = fv.cachePath
	}
	if changed("listen") {
		config.Listen = fv.listen
	}
	if changed("log-level") {
		config.LogLevel = fv.logLevel
	}
	if changed("log-path") {
		config.LogPath = fv.logPath
	}
	if changed("otlp-endpoint") {
		config.OTLPEndpoint = fv.otlpEndpoint
	}
	if changed("page-size") {
		config.PageSize = fv.pageSize
	}
	if changed("probe-interval") {
		config.ProbeInterval = Duration(fv.probe)
	}
	if changed("secondary") {
		config.Secondary.Enabled = fv.secondaryEnabled
	}
	if changed("secondary-host") {
		config.Secondary.Host = fv.secondaryHost
	}
	if changed("secondary-port") {
		config.Secondary.Port = fv.secondaryPort
	}
	if changed("secondary-database") {
		config.Secondary.Database = fv.secondaryDB
	}
	if changed("secondary-user") {
		config.Secondary.User = fv.secondaryUser
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
