package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.FreshnessWindow)
	assert.Equal(t, 4, cfg.MaxDelegationDepth)
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WATCHTOWER_LOG_LEVEL", "DEBUG")
	t.Setenv("WATCHTOWER_FRESHNESS_WINDOW_MS", "5000")
	t.Setenv("WATCHTOWER_MAX_DELEGATION_DEPTH", "8")
	t.Setenv("WATCHTOWER_ADMISSION_PER_SECOND", "12.5")
	t.Setenv("WATCHTOWER_TELEMETRY", "true")
	t.Setenv("WATCHTOWER_POLICY_FILE", "/etc/watchtower/policy.yaml")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.FreshnessWindow)
	assert.Equal(t, 8, cfg.MaxDelegationDepth)
	assert.Equal(t, 12.5, cfg.AdmissionPerSecond)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "/etc/watchtower/policy.yaml", cfg.PolicyFile)
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("WATCHTOWER_FRESHNESS_WINDOW_MS", "not-a-number")
	t.Setenv("WATCHTOWER_MAX_DELEGATION_DEPTH", "-3")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.FreshnessWindow)
	assert.Equal(t, 4, cfg.MaxDelegationDepth)
}
