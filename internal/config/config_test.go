package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKFLOW_DISABLED", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":50051" {
		t.Fatalf("unexpected addrs %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.KeyPrefix != "contract/origin-images" || cfg.UploadWorkers != 10 || !cfg.ConnectorStrict {
		t.Fatalf("unexpected storage defaults %+v", cfg)
	}
	if cfg.WorkflowTimeout != 15*time.Minute || cfg.CleanupGrace != time.Hour || cfg.CleanupSchedule != "*/30 * * * *" {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.LogLevel != zerolog.InfoLevel || len(cfg.SanitizedBindAddrs) != 0 {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONTRACT_ANALYSIS_STATE_MACHINE_ARN", "arn:aws:states:ap-northeast-2:1:stateMachine:x")
	t.Setenv("GATEWAY_HTTP_BIND", ` ":9090" # local`)
	t.Setenv("UPLOAD_WORKERS", "4")
	t.Setenv("WORKFLOW_TIMEOUT", "90s")
	t.Setenv("CLEANUP_GRACE", "-5m")
	t.Setenv("CONNECTOR_STRICT", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.SanitizedBindAddrs["GATEWAY_HTTP_BIND"] == "" {
		t.Fatalf("bind not sanitized: %q %v", cfg.HTTPAddr, cfg.SanitizedBindAddrs)
	}
	if cfg.UploadWorkers != 4 || cfg.WorkflowTimeout != 90*time.Second || cfg.ConnectorStrict {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CleanupGrace != time.Hour {
		t.Fatalf("negative grace should fall back, got %s", cfg.CleanupGrace)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing arn":   {},
		"workers":       {"WORKFLOW_DISABLED": "true", "UPLOAD_WORKERS": "11"},
		"bad log level": {"WORKFLOW_DISABLED": "true", "LOG_LEVEL": "loud"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSanitizeListenAddr(t *testing.T) {
	cases := map[string]string{
		":50051":             ":50051",
		"  :50060 :: note ": ":50060",
		`"0.0.0.0:8080"`:     "0.0.0.0:8080",
		"":                   "",
	}
	for in, want := range cases {
		if got := sanitizeListenAddr(in); got != want {
			t.Errorf("sanitizeListenAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
