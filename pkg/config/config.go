// Package config loads kernel configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds one kernel run's configuration.
type Config struct {
	PolicyFile         string
	AuditLogPath       string
	LogLevel           string
	FreshnessWindow    time.Duration
	MaxDelegationDepth int
	AdmissionPerSecond float64
	OTLPEndpoint       string
	TelemetryEnabled   bool
}

// Load reads configuration from the environment, applying defaults for
// anything unset. An empty PolicyFile means the built-in table.
func Load() *Config {
	cfg := &Config{
		PolicyFile:         os.Getenv("WATCHTOWER_POLICY_FILE"),
		AuditLogPath:       os.Getenv("WATCHTOWER_AUDIT_LOG"),
		LogLevel:           "INFO",
		FreshnessWindow:    30 * time.Second,
		MaxDelegationDepth: 4,
		OTLPEndpoint:       os.Getenv("WATCHTOWER_OTLP_ENDPOINT"),
		TelemetryEnabled:   os.Getenv("WATCHTOWER_TELEMETRY") == "true",
	}

	if v := os.Getenv("WATCHTOWER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WATCHTOWER_FRESHNESS_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.FreshnessWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WATCHTOWER_MAX_DELEGATION_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil && depth > 0 {
			cfg.MaxDelegationDepth = depth
		}
	}
	if v := os.Getenv("WATCHTOWER_ADMISSION_PER_SECOND"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			cfg.AdmissionPerSecond = rps
		}
	}
	return cfg
}
