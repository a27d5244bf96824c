// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("PROCESSOR_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendRelational {
		t.Fatalf("expected default backend %q, got %q", BackendRelational, cfg.Backend)
	}
	if cfg.Relational.DSN == "" {
		t.Fatalf("expected default relational dsn")
	}
	if cfg.Processor.Concurrency < 1 {
		t.Fatalf("expected a positive default processor concurrency, got %d", cfg.Processor.Concurrency)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("KV_ADDR", "redis.internal:6380")
	defer os.Unsetenv("KV_ADDR")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KV.Addr != "redis.internal:6380" {
		t.Fatalf("expected env override to win, got %q", cfg.KV.Addr)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown backend")
	}

	cfg = defaultConfig()
	cfg.Relational.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty relational.dsn when backend is relational")
	}

	cfg = defaultConfig()
	cfg.Backend = BackendKV
	cfg.KV.Addr = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty kv.addr when backend is kv")
	}

	cfg = defaultConfig()
	cfg.Processor.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for processor.batch_size < 1")
	}

	cfg = defaultConfig()
	cfg.Processor.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for processor.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Processor.PollInterval = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for processor.poll_interval <= 0")
	}

	cfg = defaultConfig()
	cfg.Supervisor.TickInterval = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for supervisor.tick_interval <= 0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for observability.metrics_port out of range")
	}

	cfg = defaultConfig()
	cfg.WaitBridge.Enabled = true
	cfg.WaitBridge.NATSURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for wait_bridge.enabled without nats_url")
	}
}

func TestValidatePassesForDefaults(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("defaultConfig() should validate cleanly: %v", err)
	}
}
