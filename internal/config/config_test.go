package config

import (
	"testing"
	"time"
)

func TestLoadRequiresQueueName(t *testing.T) {
	_, _, err := Load()
	if err == nil {
		t.Fatal("expected error when queue_name is not set")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithOverrides(map[string]any{"queue_name": "ingest"}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("WorkerConcurrency = %d, want 4", cfg.WorkerConcurrency)
	}
	if cfg.LeaseTTL != 300*time.Second {
		t.Errorf("LeaseTTL = %v, want 300s", cfg.LeaseTTL)
	}
	if cfg.MinRequiredSubbands != cfg.ExpectedSubbands {
		t.Errorf("MinRequiredSubbands = %d, want %d (defaults to expected)", cfg.MinRequiredSubbands, cfg.ExpectedSubbands)
	}
	if meta.Sources["queue_name"] != SourceOverride {
		t.Errorf("queue_name source = %v, want override", meta.Sources["queue_name"])
	}
	if meta.Sources["worker_concurrency"] != SourceDefault {
		t.Errorf("worker_concurrency source = %v, want default", meta.Sources["worker_concurrency"])
	}
	if cfg.StormFailureThreshold != 5 {
		t.Errorf("StormFailureThreshold = %d, want 5", cfg.StormFailureThreshold)
	}
	if cfg.StormCooldown != 30*time.Second {
		t.Errorf("StormCooldown = %v, want 30s", cfg.StormCooldown)
	}
}

func TestLoadOverridesMinRequiredSubbands(t *testing.T) {
	cfg, _, err := Load(WithOverrides(map[string]any{
		"queue_name":             "ingest",
		"expected_subbands":      16,
		"min_required_subbands": 12,
	}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MinRequiredSubbands != 12 {
		t.Errorf("MinRequiredSubbands = %d, want 12", cfg.MinRequiredSubbands)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DSA_QUEUE_NAME", "from-env")
	cfg, meta, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.QueueName != "from-env" {
		t.Errorf("QueueName = %q, want from-env", cfg.QueueName)
	}
	if meta.Sources["queue_name"] != SourceEnv {
		t.Errorf("queue_name source = %v, want env", meta.Sources["queue_name"])
	}
}
