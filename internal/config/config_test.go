package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.L1TTL)
	assert.Equal(t, 7*24*time.Hour, cfg.L2TTL)
	assert.Equal(t, 300*time.Second, cfg.SearchTTL)
	assert.EqualValues(t, 3, cfg.FrequentAccessThreshold)
	assert.Equal(t, 1000, cfg.MaxCacheSize)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 300*time.Second, cfg.SyncInterval)
	assert.Equal(t, ModeHybrid, cfg.Mode)
	assert.True(t, cfg.LocalOnly())
	assert.True(t, cfg.EmbeddedKV())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.EqualValues(t, 8, cfg.EnrichmentConcurrency)
	assert.Equal(t, 2*time.Second, cfg.KVTimeout)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 5*time.Second, cfg.EmbedTimeout)
	assert.Equal(t, 5*time.Second, cfg.ExtractTimeout)
	assert.Equal(t, 30*time.Second, cfg.JobWaitTimeout)
	assert.Equal(t, 1000, cfg.DedupMaxCandidates)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("mode: local\nmax_cache_size: 42\nremote_api_key: abc123\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, 42, cfg.MaxCacheSize)
	assert.Equal(t, "abc123", cfg.RemoteAPIKey)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, cfg.Mode)
}

func TestLoadInvalidModeFallsBackToHybrid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: bogus\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, cfg.Mode)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_CACHE_SIZE", "77")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.MaxCacheSize)
}
