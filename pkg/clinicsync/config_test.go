package clinicsync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
primary:
  url: https://clinic.example.com
  api_key: anon-key
secondary:
  enabled: true
  host: 192.168.1.20
  database: clinic
  user: agent
  password: secret
tables:
  - name: patients
    columns: [name, active]
  - name: staff
  - name: appointments
    depends_on: [patients, staff]
listen: 127.0.0.1:9000
probe_interval: 30s
page_size: 250
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clinicsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8765", config.Listen)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, constants.DefaultPageSize, config.PageSize)
	assert.Equal(t, constants.ProbeInterval, config.ProbeInterval.Std())
	assert.False(t, config.Secondary.Enabled)
	assert.NotEmpty(t, config.CachePath)

	// Missing primary and tables.
	assert.Error(t, config.Validate())
}

func TestLoadFile(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.LoadFile(writeConfig(t, sampleYAML)))

	assert.Equal(t, "https://clinic.example.com", config.Primary.URL)
	assert.Equal(t, "anon-key", config.Primary.APIKey)
	assert.True(t, config.Secondary.Enabled)
	assert.Equal(t, "192.168.1.20:5432", config.Secondary.Address())
	assert.Equal(t, "127.0.0.1:9000", config.Listen)
	assert.Equal(t, 30*time.Second, config.ProbeInterval.Std())
	assert.Equal(t, 250, config.PageSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, "info", config.LogLevel)

	require.Len(t, config.Tables, 3)
	assert.Equal(t, []string{"name", "active"}, config.Tables[0].Columns)
	assert.Equal(t, []string{"patients", "staff"}, config.Tables[2].DependsOn)
	require.NoError(t, config.Validate())
}

func TestLoadFile_errors(t *testing.T) {
	config := DefaultConfig()
	assert.Error(t, config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, config.LoadFile(writeConfig(t, "probe_interval: soon\n")))
	assert.Error(t, config.LoadFile(writeConfig(t, "tables: [\n")))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CLINICSYNC_PRIMARY_URL":       "https://env.example.com",
		"CLINICSYNC_SECONDARY_ENABLED": "true",
		"CLINICSYNC_SECONDARY_HOST":    "db.local",
		"CLINICSYNC_SECONDARY_PORT":    "6543",
		"CLINICSYNC_TABLES":            "patients,appointments:patients",
		"CLINICSYNC_PROBE_INTERVAL":    "2s",
		"CLINICSYNC_LOG_LEVEL":         "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	config := DefaultConfig()
	require.NoError(t, config.ApplyEnv(lookup))
	assert.Equal(t, "https://env.example.com", config.Primary.URL)
	assert.True(t, config.Secondary.Enabled)
	assert.Equal(t, "db.local:6543", config.Secondary.Address())
	assert.Equal(t, 2*time.Second, config.ProbeInterval.Std())
	assert.Equal(t, []models.TableSpec{
		{Name: "patients"},
		{Name: "appointments", DependsOn: []string{"patients"}},
	}, config.Tables)
	// Empty values are treated as unset.
	assert.Equal(t, "info", config.LogLevel)

	env["CLINICSYNC_SECONDARY_PORT"] = "fivefourthreetwo"
	env["CLINICSYNC_OTLP_INSECURE"] = "maybe"
	err := DefaultConfig().ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLINICSYNC_SECONDARY_PORT")
	assert.Contains(t, err.Error(), "CLINICSYNC_OTLP_INSECURE")
}

func TestParseTables(t *testing.T) {
	tables, err := ParseTables(" patients , staff,appointments:patients+staff ")
	require.NoError(t, err)
	assert.Equal(t, []models.TableSpec{
		{Name: "patients"},
		{Name: "staff"},
		{Name: "appointments", DependsOn: []string{"patients", "staff"}},
	}, tables)

	_, err = ParseTables("")
	assert.Error(t, err)
	_, err = ParseTables("patients;drop")
	assert.ErrorIs(t, err, constants.ErrInvalidName)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Primary.URL = "https://clinic.example.com"
		c.Tables = []models.TableSpec{{Name: "patients"}}
		return c
	}
	require.NoError(t, valid().Validate())

	testcases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"relative primary url", func(c *Config) { c.Primary.URL = "clinic.example.com" }},
		{"no tables", func(c *Config) { c.Tables = nil }},
		{"duplicate table", func(c *Config) { c.Tables = append(c.Tables, models.TableSpec{Name: "patients"}) }},
		{"cycle", func(c *Config) {
			c.Tables = []models.TableSpec{{Name: "a", DependsOn: []string{"b"}}, {Name: "b", DependsOn: []string{"a"}}}
		}},
		{"secondary without host", func(c *Config) { c.Secondary = DefaultConfig().Secondary; c.Secondary.Enabled = true }},
		{"page size", func(c *Config) { c.PageSize = 0 }},
		{"probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"cache path", func(c *Config) { c.CachePath = "" }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParse(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	t.Run("file", func(t *testing.T) {
		cmd, config, err := Parse([]string{"--config", path, "status"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.IsType(t, &StatusCommand{}, cmd)
		assert.Equal(t, "127.0.0.1:9000", config.Listen)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("CLINICSYNC_LISTEN", "127.0.0.1:9100")
		_, config, err := Parse([]string{"--config", path, "sync"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9100", config.Listen)
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv("CLINICSYNC_LISTEN", "127.0.0.1:9100")
		cmd, config, err := Parse([]string{"--config", path, "run", "--listen", "127.0.0.1:9200", "--sync-on-start"}, &bytes.Buffer{})
		require.NoError(t, err)
		require.IsType(t, &RunCommand{}, cmd)
		assert.True(t, cmd.(*RunCommand).SyncOnStart)
		assert.Equal(t, "127.0.0.1:9200", config.Listen)
	})

	t.Run("flags only", func(t *testing.T) {
		cmd, config, err := Parse([]string{"drain", "--primary-url", "http://localhost:54321", "--tables", "patients"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "drain", cmd.Name())
		assert.Equal(t, "http://localhost:54321", config.Primary.URL)
		assert.Equal(t, []models.TableSpec{{Name: "patients"}}, config.Tables)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := Parse([]string{"migrate"}, &bytes.Buffer{})
		assert.Error(t, err)
		_, _, err = Parse([]string{"bogus"}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("help", func(t *testing.T) {
		var out bytes.Buffer
		cmd, config, err := Parse([]string{"--help"}, &out)
		require.NoError(t, err)
		assert.Nil(t, cmd)
		assert.Nil(t, config)
		assert.Contains(t, out.String(), "migrate")
	})
}
