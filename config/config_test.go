package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/routing"
)

func TestLoadConfigDefaultsWhenNoFile(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, routing.ModeHybrid, cfg.Mode)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaEndpoint)
}

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\nmode: paranoid\n"), 0o644))

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, routing.ModeParanoid, cfg.Mode)
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o644))

	t.Setenv("PORT", "7070")
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestSessionConfigFallsBackToDefaultOnUnparsedDuration(t *testing.T) {
	cfg := Config{}
	sc := cfg.SessionConfig()
	assert.Greater(t, sc.IdleTimeout, sc.WarningBeforeTimeout)
}

func TestSessionConfigHonorsConfiguredDurationsWithinCap(t *testing.T) {
	cfg := Config{SessionIdleTimeout: "5m", SessionWarningBeforeTimeout: "1m"}
	sc := cfg.SessionConfig()
	assert.Equal(t, sc.IdleTimeout.String(), "5m0s")
	assert.Equal(t, sc.WarningBeforeTimeout.String(), "1m0s")
}

func TestCacheTTLDurationDefaultsTo24h(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, "24h0m0s", cfg.CacheTTLDuration().String())
}

func TestCacheTTLDurationParsesConfiguredValue(t *testing.T) {
	cfg := Config{CacheTTL: "1h"}
	assert.Equal(t, "1h0m0s", cfg.CacheTTLDuration().String())
}
