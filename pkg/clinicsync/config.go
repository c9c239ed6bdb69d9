package clinicsync

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote/secondary"
	"github.com/goccy/go-json"
	"sigs.k8s.io/yaml"
)

const envPrefix = "CLINICSYNC_"

// PrimaryConfig locates the hosted REST backend.
type PrimaryConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// Duration is a time.Duration written as "10s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the agent configuration.
//
// Values are layered: DefaultConfig, then an optional YAML file, then
// CLINICSYNC_* environment variables, then command line flags.
type Config struct {
	Primary   PrimaryConfig      `json:"primary"`
	Secondary secondary.Config   `json:"secondary"`
	Tables    []models.TableSpec `json:"tables"`

	CachePath string `json:"cache_path"`
	Listen    string `json:"listen"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path,omitempty"`

	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	OTLPInsecure bool   `json:"otlp_insecure,omitempty"`

	PageSize      int      `json:"page_size"`
	ProbeInterval Duration `json:"probe_interval"`

	// ChannelSetVersion is bumped by operators when the table list changes so
	// the change feed subscription can be told apart in logs.
	ChannelSetVersion int `json:"channel_set_version"`
}

func DefaultConfig() *Config {
	return &Config{
		CachePath:         defaultCachePath(),
		Listen:            "127.0.0.1:8765",
		LogLevel:          "info",
		PageSize:          constants.DefaultPageSize,
		ProbeInterval:     Duration(constants.ProbeInterval),
		ChannelSetVersion: 1,
		Secondary:         secondary.Config{Port: 5432},
	}
}

func defaultCachePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "clinicsync/cache.db"
	}
	return dir + "/clinicsync/cache.db"
}

// LoadFile merges the YAML file at path over c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from CLINICSYNC_* variables. lookup is usually
// os.LookupEnv. Malformed numbers are reported rather than ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("PRIMARY_URL", &c.Primary.URL)
	str("PRIMARY_API_KEY", &c.Primary.APIKey)
	flag("SECONDARY_ENABLED", &c.Secondary.Enabled)
	str("SECONDARY_HOST", &c.Secondary.Host)
	num("SECONDARY_PORT", &c.Secondary.Port)
	str("SECONDARY_DATABASE", &c.Secondary.Database)
	str("SECONDARY_USER", &c.Secondary.User)
	str("SECONDARY_PASSWORD", &c.Secondary.Password)
	str("SECONDARY_SSLMODE", &c.Secondary.SSLMode)
	str("CACHE_PATH", &c.CachePath)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_PATH", &c.LogPath)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	flag("OTLP_INSECURE", &c.OTLPInsecure)
	num("PAGE_SIZE", &c.PageSize)
	num("CHANNEL_SET_VERSION", &c.ChannelSetVersion)

	if v, ok := get("PROBE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPROBE_INTERVAL: %w", envPrefix, err))
		} else {
			c.ProbeInterval = Duration(d)
		}
	}
	if v, ok := get("TABLES"); ok {
		tables, err := ParseTables(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTABLES: %w", envPrefix, err))
		} else {
			c.Tables = tables
		}
	}
	return errors.Join(errs...)
}

// ParseTables reads the compact table list used on the command line and in
// the environment: comma separated names, each optionally followed by
// ":" and its parents joined with "+".
//
//	patients,staff,appointments:patients+staff
func ParseTables(s string) ([]models.TableSpec, error) {
	var tables []models.TableSpec
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, deps, _ := strings.Cut(item, ":")
		spec := models.TableSpec{Name: strings.TrimSpace(name)}
		if deps != "" {
			for _, d := range strings.Split(deps, "+") {
				if d = strings.TrimSpace(d); d != "" {
					spec.DependsOn = append(spec.DependsOn, d)
				}
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		tables = append(tables, spec)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables in %q", s)
	}
	return tables, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Primary.URL == "" {
		return errors.New("primary url is required")
	}
	u, err := url.Parse(c.Primary.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("primary url %q must be an absolute http(s) url", c.Primary.URL)
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table must be configured")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("table %q configured twice", t.Name)
		}
		seen[t.Name] = true
	}
	if _, err := models.OrderByDependency(c.Tables); err != nil {
		return err
	}
	if err := c.Secondary.Validate(); err != nil {
		return err
	}
	if c.CachePath == "" {
		return errors.New("cache path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %s", time.Duration(c.ProbeInterval))
	}
	return nil
}
