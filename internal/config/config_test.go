// ABOUTME: Tests for config loading, env-var expansion, overrides, and
// ABOUTME: validation of enum-valued fields

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Contains(t, cfg.Database.Path, "mesh.db")
	assert.True(t, cfg.Vector.Enabled)
	assert.Empty(t, cfg.Vector.URL)
	assert.False(t, cfg.VectorAvailable())
	assert.Equal(t, "nomic-embed-text", cfg.Vector.Model)
	assert.Equal(t, 5*time.Minute, cfg.Vector.CacheTTL)
	assert.Equal(t, 10000, cfg.Events.RingSize)
	assert.Equal(t, 256, cfg.Events.QueueSize)
	assert.Equal(t, "balanced", cfg.Search.DefaultProfile)
	assert.True(t, cfg.Search.AutoRegister)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:7341", cfg.Server.Listen)
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/test-mesh.db
vector:
  enabled: true
  url: http://localhost:11434/api/embed
  model: all-minilm
  cache_ttl: 90s
events:
  ring_size: 500
  queue_size: 32
search:
  default_profile: quality
  auto_register: false
logging:
  level: debug
  format: json
server:
  listen: 0.0.0.0:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-mesh.db", cfg.Database.Path)
	assert.True(t, cfg.VectorAvailable())
	assert.Equal(t, "all-minilm", cfg.Vector.Model)
	assert.Equal(t, 90*time.Second, cfg.Vector.CacheTTL)
	assert.Equal(t, 500, cfg.Events.RingSize)
	assert.Equal(t, 32, cfg.Events.QueueSize)
	assert.Equal(t, "quality", cfg.Search.DefaultProfile)
	assert.False(t, cfg.Search.AutoRegister)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/partial.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/partial.db", cfg.Database.Path)
	assert.Equal(t, 10000, cfg.Events.RingSize)
	assert.Equal(t, "balanced", cfg.Search.DefaultProfile)
	assert.Equal(t, 5*time.Minute, cfg.Vector.CacheTTL)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MESH_TEST_SET", "actual")
	t.Setenv("MESH_TEST_EMPTY", "")

	assert.Equal(t, "actual", expandEnvVars("${MESH_TEST_SET}"))
	assert.Equal(t, "actual", expandEnvVars("${MESH_TEST_SET:-fallback}"))
	assert.Equal(t, "fallback", expandEnvVars("${MESH_TEST_EMPTY:-fallback}"))
	assert.Equal(t, "fallback", expandEnvVars("${MESH_TEST_UNSET_ZZZ:-fallback}"))
	assert.Equal(t, "", expandEnvVars("${MESH_TEST_UNSET_ZZZ:-}"))
	assert.Equal(t, "pre-actual-post", expandEnvVars("pre-${MESH_TEST_SET}-post"))
}

func TestLoadExpandsEnvVarsInFile(t *testing.T) {
	t.Setenv("MESH_TEST_DB_PATH", "/tmp/env-mesh.db")

	path := writeConfig(t, `
database:
  path: ${MESH_TEST_DB_PATH:-/tmp/default.db}
vector:
  url: ${MESH_TEST_VECTOR_UNSET:-}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env-mesh.db", cfg.Database.Path)
	assert.Empty(t, cfg.Vector.URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COVEN_MESH_DB", "/tmp/override.db")
	t.Setenv("COVEN_MESH_VECTOR_URL", "http://embed:8080/v1/embeddings")
	t.Setenv("COVEN_MESH_VECTOR_KEY", "sekrit")
	t.Setenv("COVEN_MESH_RING_SIZE", "2048")
	t.Setenv("COVEN_MESH_PROFILING", "true")
	t.Setenv("COVEN_MESH_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "http://embed:8080/v1/embeddings", cfg.Vector.URL)
	assert.Equal(t, "sekrit", cfg.Vector.APIKey)
	assert.Equal(t, 2048, cfg.Events.RingSize)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.VectorAvailable())
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	t.Setenv("COVEN_MESH_DB", "/tmp/env-wins.db")

	path := writeConfig(t, `
database:
  path: /tmp/file-loses.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-wins.db", cfg.Database.Path)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
vector:
  cache_ttl: "not a duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_ttl")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero ring size", func(c *Config) { c.Events.RingSize = 0 }, "ring_size"},
		{"negative queue size", func(c *Config) { c.Events.QueueSize = -1 }, "queue_size"},
		{"unknown profile", func(c *Config) { c.Search.DefaultProfile = "fastest" }, "default_profile"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "exporter"},
		{"file exporter without path", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "file"
		}, "file_path"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
