// ABOUTME: YAML configuration loading with env-var expansion and validation
// ABOUTME: for the mesh daemon; missing files fall back to full defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root mesh configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Vector   VectorConfig   `yaml:"vector"`
	Events   EventsConfig   `yaml:"events"`
	Search   SearchConfig   `yaml:"search"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// VectorConfig controls the embedding sidecar. An empty URL disables
// semantic search regardless of Enabled.
type VectorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Path        string `yaml:"path"`
	CacheTTLRaw string `yaml:"cache_ttl"`

	CacheTTL time.Duration `yaml:"-"`
}

// EventsConfig sizes the in-process event bus.
type EventsConfig struct {
	RingSize  int `yaml:"ring_size"`
	QueueSize int `yaml:"queue_size"`
}

// SearchConfig sets hybrid search behavior.
type SearchConfig struct {
	DefaultProfile string `yaml:"default_profile"`
	AutoRegister   bool   `yaml:"auto_register"`
}

// TracingConfig controls the optional OpenTelemetry pipeline.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	FilePath string `yaml:"file_path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig is the daemon's listen address for the event tap and health
// endpoints.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".coven-mesh", "mesh.db"),
		},
		Vector: VectorConfig{
			Enabled:     true,
			Model:       "nomic-embed-text",
			Path:        filepath.Join(home, ".coven-mesh", "vector"),
			CacheTTLRaw: "5m",
			CacheTTL:    5 * time.Minute,
		},
		Events: EventsConfig{
			RingSize:  10000,
			QueueSize: 256,
		},
		Search: SearchConfig{
			DefaultProfile: "balanced",
			AutoRegister:   true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7341",
		},
	}
}

// Load reads and parses a YAML config file, expanding ${VAR} and
// ${VAR:-default} references before unmarshaling. A missing file yields the
// defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} with the value of VAR and ${VAR:-default}
// with the default when VAR is unset or empty.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		value := os.Getenv(groups[1])
		if value == "" && groups[2] != "" {
			return groups[3]
		}
		return value
	})
}

// parseDurations converts raw string duration fields into time.Duration.
func (c *Config) parseDurations() error {
	if c.Vector.CacheTTLRaw != "" {
		d, err := time.ParseDuration(c.Vector.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("invalid vector.cache_ttl: %w", err)
		}
		c.Vector.CacheTTL = d
	}
	return nil
}

// applyEnvOverrides layers COVEN_MESH_* environment knobs over whatever the
// file (or defaults) produced.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COVEN_MESH_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("COVEN_MESH_VECTOR_URL"); v != "" {
		c.Vector.URL = v
	}
	if v := os.Getenv("COVEN_MESH_VECTOR_KEY"); v != "" {
		c.Vector.APIKey = v
	}
	if v := os.Getenv("COVEN_MESH_VECTOR_DIR"); v != "" {
		c.Vector.Path = v
	}
	if v := os.Getenv("COVEN_MESH_RING_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Events.RingSize = n
		}
	}
	if v := os.Getenv("COVEN_MESH_PROFILING"); v != "" {
		c.Tracing.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("COVEN_MESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// VectorAvailable reports whether semantic search should be wired at all.
func (c *Config) VectorAvailable() bool {
	return c.Vector.Enabled && c.Vector.URL != ""
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Events.RingSize <= 0 {
		return fmt.Errorf("events.ring_size must be positive, got %d", c.Events.RingSize)
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	if c.Vector.CacheTTL < 0 {
		return fmt.Errorf("vector.cache_ttl must not be negative")
	}

	switch c.Search.DefaultProfile {
	case "recent", "quality", "balanced", "similarity":
	default:
		return fmt.Errorf("search.default_profile must be one of recent, quality, balanced, similarity, got %q", c.Search.DefaultProfile)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "file":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, file, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "file" && c.Tracing.FilePath == "" {
		return fmt.Errorf("tracing.file_path is required when tracing.exporter is file")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	return nil
}
