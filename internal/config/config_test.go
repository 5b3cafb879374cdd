// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SCHEDULER_BATCH_SIZE")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.BatchSize != 10 {
		t.Fatalf("expected default scheduler batch size 10, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Defaults.MinWorkers != 1 || cfg.Defaults.MaxWorkers != 3 {
		t.Fatalf("expected default replication window 1..3, got %d..%d", cfg.Defaults.MinWorkers, cfg.Defaults.MaxWorkers)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Defaults.MinWorkers = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for min_workers < 1")
	}
	cfg = defaultConfig()
	cfg.Defaults.MaxWorkers = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_workers < min_workers")
	}
	cfg = defaultConfig()
	cfg.Scheduler.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for scheduler.batch_size < 1")
	}
}
