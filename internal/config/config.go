// Package config loads and validates CAG core configuration from a YAML
// file and environment overrides. Exactly one knowledge access path must be
// configured: a direct Postgres store or a tool-invocation endpoint.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Error is a fatal configuration error. It is the only error kind this
// package returns.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config holds all CAG core configuration.
type Config struct {
	// Context window and cache tuning
	MaxContextTokens       int     `yaml:"max_context_tokens"`
	CachePriorityThreshold float64 `yaml:"cache_priority_threshold"`
	MaxCacheItems          int     `yaml:"max_cache_items"`

	// Knowledge access: exactly one of these
	Store        *StoreConfig `yaml:"store"`
	ToolEndpoint string       `yaml:"tool_endpoint"`

	// Identity strings used by the project/session layers and warming defaults
	Project string `yaml:"project"`

	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig holds direct-mode knowledge store connection parameters.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// Defaults per the CAG architecture.
const (
	DefaultMaxContextTokens       = 128000
	DefaultCachePriorityThreshold = 0.3
	DefaultMaxCacheItems          = 100
	DefaultProject                = "knowledge-persistence"
)

// Default returns a Config with defaults applied and no access path set.
func Default() *Config {
	return &Config{
		MaxContextTokens:       DefaultMaxContextTokens,
		CachePriorityThreshold: DefaultCachePriorityThreshold,
		MaxCacheItems:          DefaultMaxCacheItems,
		Project:                DefaultProject,
		Logging:                LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, fills defaults, and validates. An empty path skips the file and
// configures from environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Field: "file", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &Error{Field: "file", Reason: fmt.Sprintf("cannot parse %s: %v", path, err)}
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CAG_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v, ok := envInt("CAG_MAX_CONTEXT_TOKENS"); ok {
		c.MaxContextTokens = v
	}
	if v, ok := envFloat("CAG_CACHE_PRIORITY_THRESHOLD"); ok {
		c.CachePriorityThreshold = v
	}
	if v, ok := envInt("CAG_MAX_CACHE_ITEMS"); ok {
		c.MaxCacheItems = v
	}
	if v := os.Getenv("CAG_TOOL_ENDPOINT"); v != "" {
		c.ToolEndpoint = v
	}
	if v := os.Getenv("CAG_PROJECT"); v != "" {
		c.Project = v
	}

	host := os.Getenv("CAG_STORE_HOST")
	if host != "" && c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store != nil {
		if host != "" {
			c.Store.Host = host
		}
		if v, ok := envInt("CAG_STORE_PORT"); ok {
			c.Store.Port = v
		}
		if v := os.Getenv("CAG_STORE_DB"); v != "" {
			c.Store.DBName = v
		}
		if v := os.Getenv("CAG_STORE_USER"); v != "" {
			c.Store.User = v
		}
		if v := os.Getenv("CAG_STORE_PASSWORD"); v != "" {
			c.Store.Password = v
		}
	}
}

// fillDefaults completes string fields left empty after the file and env
// overlays. Numeric fields are pre-seeded by Default, so an explicit zero in
// the file or environment survives.
func (c *Config) fillDefaults() {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store != nil {
		if c.Store.Port == 0 {
			c.Store.Port = 5432
		}
		if c.Store.SSLMode == "" {
			c.Store.SSLMode = "disable"
		}
	}
}

// Validate checks invariants. Exactly one of Store and ToolEndpoint must be
// configured.
func (c *Config) Validate() error {
	if c.MaxContextTokens < 0 {
		return &Error{Field: "max_context_tokens", Reason: "must be >= 0"}
	}
	if c.CachePriorityThreshold < 0 || c.CachePriorityThreshold > 1 {
		return &Error{Field: "cache_priority_threshold", Reason: "must be in [0, 1]"}
	}
	if c.MaxCacheItems < 0 {
		return &Error{Field: "max_cache_items", Reason: "must be >= 0"}
	}

	hasStore := c.Store != nil && c.Store.Host != ""
	hasTool := c.ToolEndpoint != ""
	switch {
	case hasStore && hasTool:
		return &Error{Field: "store/tool_endpoint", Reason: "configure exactly one knowledge access path, not both"}
	case !hasStore && !hasTool:
		return &Error{Field: "store/tool_endpoint", Reason: "one knowledge access path is required"}
	}

	if hasStore {
		if c.Store.DBName == "" {
			return &Error{Field: "store.dbname", Reason: "required"}
		}
		if c.Store.User == "" {
			return &Error{Field: "store.user", Reason: "required"}
		}
	}
	return nil
}

// ToolMode reports whether knowledge access goes through the tool endpoint.
func (c *Config) ToolMode() bool { return c.ToolEndpoint != "" }

// DSN renders the lib/pq connection string for the direct store.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.Host, s.Port, s.DBName, s.User, s.Password, s.SSLMode)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
