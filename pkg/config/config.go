package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the full application configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Log      LogConfig      `json:"log"`
	Advisor  AdvisorConfig  `json:"advisor"`
	History  HistoryConfig  `json:"history"`
}

// ServerConfig controls the MCP transport.
type ServerConfig struct {
	// Transport is "stdio" or "http".
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	// EndpointPath is the HTTP path serving the streamable MCP endpoint.
	EndpointPath string `json:"endpoint_path"`
}

// DatabaseConfig describes the PostgreSQL connection.
type DatabaseConfig struct {
	// DSN is a libpq connection string or postgres:// URL. The PGSCOPE_DSN
	// environment variable overrides it.
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `json:"level"`
}

// AdvisorConfig tunes index recommendation.
type AdvisorConfig struct {
	// MaxIndexColumns caps composite candidate width.
	MaxIndexColumns int `json:"max_index_columns"`
	// MaxRecommendations caps how many indexes one run may recommend.
	MaxRecommendations int `json:"max_recommendations"`
	// SizeBudgetBytes caps the combined estimated size of recommended
	// indexes. Zero means no budget.
	SizeBudgetBytes int64 `json:"size_budget_bytes"`
	// PerIndexSizeCeilingBytes rejects any single candidate larger than
	// this. Zero means no ceiling.
	PerIndexSizeCeilingBytes int64 `json:"per_index_size_ceiling_bytes"`
	// MinImprovement is the minimum fractional cost improvement a
	// candidate must show to be considered at all.
	MinImprovement float64 `json:"min_improvement"`
	// Timeout bounds a full recommendation run. When it expires the run
	// returns whatever it has, marked incomplete.
	Timeout time.Duration `json:"timeout"`
	// WorkloadQueryLimit caps how many statements are pulled from
	// pg_stat_statements per run.
	WorkloadQueryLimit int `json:"workload_query_limit"`
}

// HistoryConfig controls the query plan history store.
type HistoryConfig struct {
	// Path is the Badger database directory. Empty disables persistence
	// and the store runs in memory.
	Path string `json:"path"`
	// Retention is how long captured plans are kept.
	Retention time.Duration `json:"retention"`
}

// jsonDuration accepts either a Go duration string ("30s", "1h30m") or
// an integer nanosecond count.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = jsonDuration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = jsonDuration(n)
	return nil
}

func (c *DatabaseConfig) UnmarshalJSON(data []byte) error {
	type plain DatabaseConfig
	aux := struct {
		ConnMaxLifetime jsonDuration `json:"conn_max_lifetime"`
		ConnectTimeout  jsonDuration `json:"connect_timeout"`
		*plain
	}{
		ConnMaxLifetime: jsonDuration(c.ConnMaxLifetime),
		ConnectTimeout:  jsonDuration(c.ConnectTimeout),
		plain:           (*plain)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ConnMaxLifetime = time.Duration(aux.ConnMaxLifetime)
	c.ConnectTimeout = time.Duration(aux.ConnectTimeout)
	return nil
}

func (c *AdvisorConfig) UnmarshalJSON(data []byte) error {
	type plain AdvisorConfig
	aux := struct {
		Timeout jsonDuration `json:"timeout"`
		*plain
	}{
		Timeout: jsonDuration(c.Timeout),
		plain:   (*plain)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Timeout = time.Duration(aux.Timeout)
	return nil
}

func (c *HistoryConfig) UnmarshalJSON(data []byte) error {
	type plain HistoryConfig
	aux := struct {
		Retention jsonDuration `json:"retention"`
		*plain
	}{
		Retention: jsonDuration(c.Retention),
		plain:     (*plain)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Retention = time.Duration(aux.Retention)
	return nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:    "stdio",
			Host:         "127.0.0.1",
			Port:         8931,
			EndpointPath: "/mcp",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Advisor: AdvisorConfig{
			MaxIndexColumns:          3,
			MaxRecommendations:       10,
			SizeBudgetBytes:          0,
			PerIndexSizeCeilingBytes: 1 << 30, // 1 GiB
			MinImprovement:           0.05,
			Timeout:                  60 * time.Second,
			WorkloadQueryLimit:       50,
		},
		History: HistoryConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads a JSON config file. Fields absent from the file keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOrDefault loads the given file, falling back to defaults when
// the path is empty or the file does not exist.
func LoadConfigOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Validate checks the configuration for values that would misbehave later.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport %q (want stdio or http)", c.Server.Transport)
	}
	if c.Server.Transport == "http" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Advisor.MaxIndexColumns < 1 {
		return fmt.Errorf("advisor.max_index_columns must be at least 1")
	}
	if c.Advisor.MaxRecommendations < 1 {
		return fmt.Errorf("advisor.max_recommendations must be at least 1")
	}
	if c.Advisor.MinImprovement < 0 || c.Advisor.MinImprovement >= 1 {
		return fmt.Errorf("advisor.min_improvement must be in [0, 1)")
	}
	if c.History.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.History.Path), 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
	}
	return nil
}

// DSN returns the effective connection string, preferring the environment.
func (c *DatabaseConfig) EffectiveDSN() string {
	if env := os.Getenv("PGSCOPE_DSN"); env != "" {
		return env
	}
	return c.DSN
}
