// Package config reads the gateway settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	GRPCAddr string
	HTTPAddr string

	PostgresDSN string

	ConnectorStrict bool
	Bucket          string
	KeyPrefix       string
	UploadWorkers   int

	WorkflowDisabled   bool
	StateMachineARN    string
	WorkflowTimeout    time.Duration
	MaxUploadBytes     int64
	KPILatencyTarget   time.Duration
	CleanupSchedule    string
	CleanupGrace       time.Duration
	CleanupBatch       int
	LogLevel           zerolog.Level
	SanitizedBindAddrs map[string]string
}

// Load reads the configuration. Malformed numbers and durations fall back to
// their defaults; a missing state machine ARN is an error unless the workflow
// is disabled.
func Load() (Config, error) {
	cfg := Config{
		PostgresDSN:      env("POSTGRES_DSN", ""),
		ConnectorStrict:  boolEnv("CONNECTOR_STRICT", true),
		Bucket:           env("STORAGE_BUCKET", ""),
		KeyPrefix:        env("STORAGE_KEY_PREFIX", "contract/origin-images"),
		UploadWorkers:    intEnv("UPLOAD_WORKERS", 10),
		WorkflowDisabled: boolEnv("WORKFLOW_DISABLED", false),
		StateMachineARN:  env("CONTRACT_ANALYSIS_STATE_MACHINE_ARN", ""),
		WorkflowTimeout:  durationEnv("WORKFLOW_TIMEOUT", 15*time.Minute),
		MaxUploadBytes:   int64(intEnv("MAX_UPLOAD_MB", 210)) << 20,
		KPILatencyTarget: durationEnv("KPI_LATENCY_TARGET", time.Minute),
		CleanupSchedule:  env("CLEANUP_SCHEDULE", "*/30 * * * *"),
		CleanupGrace:     durationEnv("CLEANUP_GRACE", time.Hour),
		CleanupBatch:     intEnv("CLEANUP_BATCH", 50),
		LogLevel:         zerolog.InfoLevel,

		SanitizedBindAddrs: map[string]string{},
	}
	cfg.GRPCAddr = cfg.listenAddr("GATEWAY_BIND", ":50051")
	cfg.HTTPAddr = cfg.listenAddr("GATEWAY_HTTP_BIND", ":8080")

	if raw := env("LOG_LEVEL", "info"); raw != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
		}
		cfg.LogLevel = level
	}
	if cfg.UploadWorkers < 1 || cfg.UploadWorkers > 10 {
		return Config{}, fmt.Errorf("UPLOAD_WORKERS must be between 1 and 10, got %d", cfg.UploadWorkers)
	}
	if !cfg.WorkflowDisabled && cfg.StateMachineARN == "" {
		return Config{}, fmt.Errorf("CONTRACT_ANALYSIS_STATE_MACHINE_ARN required unless WORKFLOW_DISABLED=true")
	}
	return cfg, nil
}

// listenAddr records addresses that needed sanitizing so the caller can warn.
func (c *Config) listenAddr(key, def string) string {
	raw := env(key, def)
	addr := sanitizeListenAddr(raw)
	if addr != raw {
		c.SanitizedBindAddrs[key] = raw
	}
	return addr
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

// sanitizeListenAddr trims whitespace/comments so malformed env values (e.g. ":50060 :: note") do not break net.Listen.
func sanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	trimmed = strings.Trim(trimmed, "\"'")
	return trimmed
}
