// Package config handles gatehouse configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the top-level gatehouse configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Connectors ConnectorsConfig `json:"connectors"`
	Policy     PolicyConfig     `json:"policy"`
	Logging    LoggingConfig    `json:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
	Debug      bool             `json:"debug,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// StorageConfig defines the store backend.
type StorageConfig struct {
	Driver string `json:"driver"` // "memory" (default), "sqlite", or "postgres"
	DSN    string `json:"dsn"`    // e.g. "gatehouse.db" or a postgres URL
}

// ConnectorsConfig gates per-connector provisioning at fan-out time.
// Jira is accepted for parity with the HR platform's settings surface but
// has no connector behind it.
type ConnectorsConfig struct {
	AzureADEnabled bool     `json:"azure_ad_enabled"`
	GitHubEnabled  bool     `json:"github_enabled"`
	SlackEnabled   bool     `json:"slack_enabled"`
	JiraEnabled    bool     `json:"jira_enabled"`
	Domain         string   `json:"domain,omitempty"`  // UPN email domain; default "example.com"
	Timeout        Duration `json:"timeout,omitempty"` // per fan-out deadline; default 10s
}

// PolicyConfig defines policy engine settings.
type PolicyConfig struct {
	BirthrightDepartments []string `json:"birthright_departments,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines per-IP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when no config file exists,
// before environment overrides.
func Default() *Config {
	cfg := &Config{
		Connectors: ConnectorsConfig{
			AzureADEnabled: true,
			GitHubEnabled:  true,
			SlackEnabled:   true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file, applies environment overrides, and validates.
// A missing file at the default path is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the environment variables the HR platform's operators
// expect onto the file configuration.
func (c *Config) applyEnv() {
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = parseBool(v)
		}
	}
	setBool("AZURE_AD_ENABLED", &c.Connectors.AzureADEnabled)
	setBool("GITHUB_ENABLED", &c.Connectors.GitHubEnabled)
	setBool("SLACK_ENABLED", &c.Connectors.SlackEnabled)
	setBool("JIRA_ENABLED", &c.Connectors.JiraEnabled)
	setBool("DEBUG", &c.Debug)

	if v, ok := os.LookupEnv("BIRTHRIGHT_DEPARTMENTS"); ok {
		var departments []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				departments = append(departments, d)
			}
		}
		c.Policy.BirthrightDepartments = departments
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite, or postgres")
	}
	if (c.Storage.Driver == "sqlite" || c.Storage.Driver == "postgres") && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Connectors.Domain == "" {
		c.Connectors.Domain = "example.com"
	}
	if c.Connectors.Timeout.Duration == 0 {
		c.Connectors.Timeout.Duration = 10 * time.Second
	}
	if len(c.Policy.BirthrightDepartments) == 0 {
		c.Policy.BirthrightDepartments = []string{"Engineering", "Sales", "Marketing", "HR"}
	}
	if c.Logging.Level == "" {
		if c.Debug {
			c.Logging.Level = "debug"
		} else {
			c.Logging.Level = "info"
		}
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
