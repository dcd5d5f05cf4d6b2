package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10*time.Second, cfg.Handshake.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Stream.RekeyInterval)
	assert.Equal(t, uint64(1<<30), cfg.Stream.RekeyHighWaterMark)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brontide.yaml")
	content := []byte(`
environment: staging
handshake:
  timeout: 5s
stream:
  rekey_interval: 2s
  rekey_high_water_mark: 1024
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 5*time.Second, cfg.Handshake.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Stream.RekeyInterval)
	assert.Equal(t, uint64(1024), cfg.Stream.RekeyHighWaterMark)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.json")

	cfg := &Config{Environment: "production"}
	setDefaults(cfg)
	cfg.Stream.RekeyHighWaterMark = 42

	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Environment, loaded.Environment)
	assert.Equal(t, cfg.Stream.RekeyHighWaterMark, loaded.Stream.RekeyHighWaterMark)
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *Config
		wantErrors int
	}{
		{
			name: "valid defaults",
			cfg: func() *Config {
				c := &Config{}
				setDefaults(c)
				return c
			}(),
			wantErrors: 0,
		},
		{
			name: "zero handshake timeout",
			cfg: func() *Config {
				c := &Config{}
				setDefaults(c)
				c.Handshake.Timeout = 0
				return c
			}(),
			wantErrors: 1,
		},
		{
			name: "audit enabled without dsn",
			cfg: func() *Config {
				c := &Config{}
				setDefaults(c)
				c.Audit.Enabled = true
				return c
			}(),
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := ValidateConfiguration(tt.cfg)
			errCount := 0
			for _, issue := range issues {
				if issue.Level == "error" {
					errCount++
				}
			}
			assert.Equal(t, tt.wantErrors, errCount)
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("BRONTIDE_TEST_VAR", "resolved")

	assert.Equal(t, "resolved", SubstituteEnvVars("${BRONTIDE_TEST_VAR}"))
	assert.Equal(t, "fallback", SubstituteEnvVars("${BRONTIDE_MISSING_VAR:fallback}"))
}

func TestGetEnvironmentHelpers(t *testing.T) {
	t.Setenv("BRONTIDE_ENV", "production")
	assert.Equal(t, "production", GetEnvironment())
	assert.True(t, IsProduction())
	assert.False(t, IsDevelopment())
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("BRONTIDE_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("BRONTIDE_REKEY_HIGH_WATER_MARK", "2048")
	t.Setenv("BRONTIDE_AUDIT_DSN", "postgres://example/brontide")

	cfg := &Config{}
	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, 3*time.Second, cfg.Handshake.Timeout)
	assert.Equal(t, uint64(2048), cfg.Stream.RekeyHighWaterMark)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "postgres://example/brontide", cfg.Audit.DSN)
}
