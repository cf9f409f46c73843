package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTransportDefaults(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "127.0.0.1"}}
	applyDefaults(cfg)
	if cfg.Transport.Port != 11099 {
		t.Fatalf("expected default port 11099, got %d", cfg.Transport.Port)
	}
	if cfg.Transport.Codec != "msgpack" {
		t.Fatalf("expected default codec msgpack, got %q", cfg.Transport.Codec)
	}
	if cfg.Transport.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected default heartbeat interval, got %v", cfg.Transport.HeartbeatInterval)
	}
	if cfg.Transport.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("expected heartbeat timeout 3x interval, got %v", cfg.Transport.HeartbeatTimeout)
	}
}

func TestHeartbeatTimeoutTracksInterval(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "h", HeartbeatInterval: 4 * time.Second}}
	applyDefaults(cfg)
	if cfg.Transport.HeartbeatTimeout != 12*time.Second {
		t.Fatalf("expected 12s, got %v", cfg.Transport.HeartbeatTimeout)
	}
}

func TestBreakerDefaults(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "h"}}
	applyDefaults(cfg)
	if cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("expected failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != 30*time.Second {
		t.Fatalf("expected recovery timeout 30s, got %v", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Breaker.BackoffBase != time.Second || cfg.Breaker.BackoffMax != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %v %v", cfg.Breaker.BackoffBase, cfg.Breaker.BackoffMax)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "h"}}
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestValidateRequiresHost(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "h", Codec: "xml"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestValidateRejectsUnknownInitialMode(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Host: "h"}, Sim: SimConfig{InitialMode: "PAPER"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown initial mode")
	}
}

func TestValidateRejectsPgExportWithoutDSN(t *testing.T) {
	t.Setenv("TPB_PG_DSN", "")
	cfg := &Config{
		Transport: TransportConfig{Host: "h"},
		PgExport:  PgExportConfig{Enabled: true},
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for pg_export without dsn")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("TPB_TELEGRAM_TOKEN", "")
	t.Setenv("TPB_TELEGRAM_CHAT_ID", "")
	cfg := &Config{
		Transport: TransportConfig{Host: "h"},
		Telegram:  TelegramConfig{Enabled: true},
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestCredentialEnvOverrides(t *testing.T) {
	t.Setenv("TPB_USERNAME", "env-user")
	t.Setenv("TPB_PASSWORD", "env-pass")
	cfg := &Config{Transport: TransportConfig{Host: "h", Username: "file-user"}}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Transport.Username != "env-user" {
		t.Fatalf("expected env username override, got %q", cfg.Transport.Username)
	}
	if cfg.Transport.Password != "env-pass" {
		t.Fatalf("expected env password override, got %q", cfg.Transport.Password)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("transport:\n  host: trading.example.net\n  port: 12000\nsim:\n  reset_balance: 50000\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Transport.Host != "trading.example.net" || cfg.Transport.Port != 12000 {
		t.Fatalf("unexpected transport config: %+v", cfg.Transport)
	}
	if cfg.Sim.ResetBalance != 50000 {
		t.Fatalf("unexpected sim config: %+v", cfg.Sim)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Log.Level)
	}
}
