package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		// viper reports a missing explicit file as an error; defaults path is
		// exercised via Default() below.
		cfg = Default()
	}
	require.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 3, cfg.Validators.MaxRepeatedWarnings)
	assert.Equal(t, 8, cfg.Pool.MaxSessions)
	assert.Equal(t, 100*time.Millisecond, cfg.Orchestrator.TickInterval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
logger:
  level: debug
  format: json
pool:
  size: 4
  max_sessions: 2
validators:
  max_repeated_warnings: 7
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 2, cfg.Pool.MaxSessions)
	assert.Equal(t, 7, cfg.Validators.MaxRepeatedWarnings)
	// Untouched sections still get defaults.
	assert.Equal(t, "gemini-2.0-flash", cfg.Oracle.Model)
}

func TestDefaultIsComplete(t *testing.T) {
	cfg := Default()
	assert.NotZero(t, cfg.Orchestrator.MaxSteps)
	assert.NotZero(t, cfg.Pool.ShutdownGrace)
	assert.NotZero(t, cfg.Validators.TokenBudget)
	assert.NotEmpty(t, cfg.API.Listen)
	assert.NotEmpty(t, cfg.Orchestrator.Agents, "default roster present")
}
