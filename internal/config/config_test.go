package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadToolModeDefaults(t *testing.T) {
	path := writeConfig(t, "tool_endpoint: http://localhost:8090/mcp\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.ToolMode())
	assert.Equal(t, DefaultMaxContextTokens, cfg.MaxContextTokens)
	assert.Equal(t, DefaultCachePriorityThreshold, cfg.CachePriorityThreshold)
	assert.Equal(t, DefaultMaxCacheItems, cfg.MaxCacheItems)
}

func TestLoadDirectMode(t *testing.T) {
	path := writeConfig(t, `
max_context_tokens: 64000
store:
  host: db.internal
  dbname: knowledge_persistence
  user: cag
  password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.ToolMode())
	assert.Equal(t, 64000, cfg.MaxContextTokens)
	assert.Equal(t, 5432, cfg.Store.Port)
	assert.Contains(t, cfg.Store.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Store.DSN(), "dbname=knowledge_persistence")
}

func TestLoadRejectsBothAccessPaths(t *testing.T) {
	path := writeConfig(t, `
tool_endpoint: http://localhost:8090/mcp
store:
  host: db.internal
  dbname: kp
  user: cag
`)

	_, err := Load(path)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
}

func TestLoadRejectsNoAccessPath(t *testing.T) {
	path := writeConfig(t, "max_cache_items: 10\n")
	_, err := Load(path)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "required")
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeConfig(t, `
tool_endpoint: http://localhost:8090/mcp
cache_priority_threshold: 1.5
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadExplicitZeroes(t *testing.T) {
	path := writeConfig(t, `
tool_endpoint: http://localhost:8090/mcp
max_context_tokens: 0
cache_priority_threshold: 0
max_cache_items: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Zero is a meaningful setting, not an absent key.
	assert.Equal(t, 0, cfg.MaxContextTokens)
	assert.Equal(t, 0.0, cfg.CachePriorityThreshold)
	assert.Equal(t, 0, cfg.MaxCacheItems)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAG_TOOL_ENDPOINT", "http://tool:9000")
	t.Setenv("CAG_MAX_CONTEXT_TOKENS", "500")
	t.Setenv("CAG_CACHE_PRIORITY_THRESHOLD", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://tool:9000", cfg.ToolEndpoint)
	assert.Equal(t, 500, cfg.MaxContextTokens)
	assert.Equal(t, 0.5, cfg.CachePriorityThreshold)
}

func TestEnvStoreOverrides(t *testing.T) {
	t.Setenv("CAG_STORE_HOST", "10.0.0.5")
	t.Setenv("CAG_STORE_DB", "kp")
	t.Setenv("CAG_STORE_USER", "postgres")
	t.Setenv("CAG_STORE_PASSWORD", "pw")
	t.Setenv("CAG_STORE_PORT", "5433")

	cfg, err := Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.Store)
	assert.Equal(t, 5433, cfg.Store.Port)
	assert.False(t, cfg.ToolMode())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
}
