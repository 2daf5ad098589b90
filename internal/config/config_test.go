package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(1024*1024), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Connectors.AzureADEnabled)
	assert.True(t, cfg.Connectors.GitHubEnabled)
	assert.True(t, cfg.Connectors.SlackEnabled)
	assert.False(t, cfg.Connectors.JiraEnabled)
	assert.Equal(t, "example.com", cfg.Connectors.Domain)
	assert.Equal(t, 10*time.Second, cfg.Connectors.Timeout.Duration)
	assert.Equal(t, []string{"Engineering", "Sales", "Marketing", "HR"}, cfg.Policy.BirthrightDepartments)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, float64(10), cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatehouse.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"server": {"addr": ":9090"},
		"storage": {"driver": "sqlite", "dsn": "gatehouse.db"},
		"connectors": {"azure_ad_enabled": true, "github_enabled": false, "slack_enabled": true, "timeout": "30s"},
		"policy": {"birthright_departments": ["Engineering"]},
		"logging": {"level": "warn", "format": "text"},
		"rate_limit": {"requests_per_second": 50, "burst": 100}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "gatehouse.db", cfg.Storage.DSN)
	assert.False(t, cfg.Connectors.GitHubEnabled)
	assert.Equal(t, 30*time.Second, cfg.Connectors.Timeout.Duration)
	assert.Equal(t, []string{"Engineering"}, cfg.Policy.BirthrightDepartments)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, float64(50), cfg.RateLimit.RequestsPerSecond)

	// Unspecified fields still get defaults.
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "example.com", cfg.Connectors.Domain)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfigFile(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AZURE_AD_ENABLED", "false")
	t.Setenv("GITHUB_ENABLED", "0")
	t.Setenv("SLACK_ENABLED", "on")
	t.Setenv("JIRA_ENABLED", "yes")
	t.Setenv("DEBUG", "1")
	t.Setenv("BIRTHRIGHT_DEPARTMENTS", "Engineering, Finance ,")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)

	assert.False(t, cfg.Connectors.AzureADEnabled)
	assert.False(t, cfg.Connectors.GitHubEnabled)
	assert.True(t, cfg.Connectors.SlackEnabled)
	assert.True(t, cfg.Connectors.JiraEnabled)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.Logging.Level, "debug implies level debug when unset")
	assert.Equal(t, []string{"Engineering", "Finance"}, cfg.Policy.BirthrightDepartments)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad driver", func(c *Config) { c.Storage.Driver = "oracle" }, true},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.DSN = "" }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration)

	// Bare numbers are seconds.
	require.NoError(t, json.Unmarshal([]byte(`15`), &d))
	assert.Equal(t, 15*time.Second, d.Duration)

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	out, err := json.Marshal(Duration{30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"30s"`, string(out))
}
