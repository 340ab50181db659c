package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
workspace_root = "/tmp/forge-test/workspace"
data_dir = "/tmp/forge-test/data"

[journal]
schema_version = 1
builds_path = "builds.jsonl"
quota_path = "quota.jsonl"

[retry]
max_total_attempts = 6
max_per_step_attempts = 3
backoff_base = "1s"
backoff_max = "60s"
jitter_fraction = 0.2

[orchestrator]
parallel_branches = true
max_concurrent_builds = 8
agent_model_deadline = "30s"
agent_total_deadline = "90s"
max_iterations = 5
idempotency_window = "24h"
task_queue = "forge-builds"
temporal_host_port = "127.0.0.1:7233"

[tenancy]
default_active_previews_limit = 3
default_snapshot_rate_per_minute = 10
default_llm_monthly_budget_cents = 50000
reset_tick = "1s"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.General.LogLevel)
	}
	if cfg.Retry.MaxTotalAttempts != 6 {
		t.Errorf("MaxTotalAttempts = %d, want 6", cfg.Retry.MaxTotalAttempts)
	}
	if cfg.Retry.BackoffMax.Duration != 60*time.Second {
		t.Errorf("BackoffMax = %v, want 60s", cfg.Retry.BackoffMax.Duration)
	}
	if !cfg.Orchestrator.ParallelBranches {
		t.Error("expected parallel_branches to be true")
	}
	if cfg.Orchestrator.IdempotencyWindow.Duration != 24*time.Hour {
		t.Errorf("IdempotencyWindow = %v, want 24h", cfg.Orchestrator.IdempotencyWindow.Duration)
	}
	if cfg.Tenancy.DefaultLLMMonthlyBudgetCents != 50000 {
		t.Errorf("DefaultLLMMonthlyBudgetCents = %d, want 50000", cfg.Tenancy.DefaultLLMMonthlyBudgetCents)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "[general]\nworkspace_root = \"/tmp/x\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.General.LogLevel)
	}
	if cfg.Retry.MaxTotalAttempts != 6 {
		t.Errorf("default MaxTotalAttempts = %d, want 6", cfg.Retry.MaxTotalAttempts)
	}
	if cfg.Retry.MaxPerStepAttempts != 3 {
		t.Errorf("default MaxPerStepAttempts = %d, want 3", cfg.Retry.MaxPerStepAttempts)
	}
	if cfg.Orchestrator.MaxConcurrentBuilds != 8 {
		t.Errorf("default MaxConcurrentBuilds = %d, want 8", cfg.Orchestrator.MaxConcurrentBuilds)
	}
	if cfg.Journal.SchemaVersion != 1 {
		t.Errorf("default SchemaVersion = %d, want 1", cfg.Journal.SchemaVersion)
	}
	if cfg.Tenancy.DefaultActivePreviewsLimit != 3 {
		t.Errorf("default DefaultActivePreviewsLimit = %d, want 3", cfg.Tenancy.DefaultActivePreviewsLimit)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	path := writeTestConfig(t, `
[general]
log_level = "verbose"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoadInvalidRetryBudgets(t *testing.T) {
	path := writeTestConfig(t, `
[retry]
max_total_attempts = 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_total_attempts = 0")
	}
}

func TestLoadInvalidMaxConcurrentBuilds(t *testing.T) {
	path := writeTestConfig(t, `
[orchestrator]
max_concurrent_builds = 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_concurrent_builds = 0")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNormalizePathsRelativeToDataDir(t *testing.T) {
	path := writeTestConfig(t, `
[general]
data_dir = "/tmp/forge-test/data"

[journal]
builds_path = "builds.jsonl"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := filepath.Join("/tmp/forge-test/data", "builds.jsonl")
	if cfg.Journal.BuildsPath != want {
		t.Errorf("BuildsPath = %q, want %q", cfg.Journal.BuildsPath, want)
	}
}

func TestNormalizePathsLeavesAbsolutePaths(t *testing.T) {
	path := writeTestConfig(t, `
[journal]
builds_path = "/var/forge/builds.jsonl"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Journal.BuildsPath != "/var/forge/builds.jsonl" {
		t.Errorf("BuildsPath = %q, want unchanged absolute path", cfg.Journal.BuildsPath)
	}
}

func TestQuotaForFallsBackToDefaults(t *testing.T) {
	cfg := &Config{Tenancy: Tenancy{
		DefaultActivePreviewsLimit:   3,
		DefaultSnapshotRatePerMinute: 10,
		DefaultLLMMonthlyBudgetCents: 50000,
	}}
	q := cfg.QuotaFor("unknown-tenant")
	if q.ActivePreviewsLimit != 3 || q.SnapshotRatePerMinute != 10 || q.LLMMonthlyBudgetCents != 50000 {
		t.Fatalf("unexpected default quota: %+v", q)
	}
}

func TestQuotaForPrefersOverride(t *testing.T) {
	cfg := &Config{
		Tenancy: Tenancy{DefaultActivePreviewsLimit: 3},
		TenantQuotas: map[string]TenantQuota{
			"abc123": {ActivePreviewsLimit: 25},
		},
	}
	q := cfg.QuotaFor("abc123")
	if q.ActivePreviewsLimit != 25 {
		t.Fatalf("QuotaFor override = %d, want 25", q.ActivePreviewsLimit)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"60s", 60 * time.Second},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("UnmarshalText(%q) error: %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration{Duration: 45 * time.Second}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	var out Duration
	if err := out.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if out.Duration != d.Duration {
		t.Errorf("round trip = %v, want %v", out.Duration, d.Duration)
	}
}

func TestCloneIsolatesTenantQuotas(t *testing.T) {
	cfg := &Config{TenantQuotas: map[string]TenantQuota{"t1": {ActivePreviewsLimit: 5}}}
	clone := cfg.Clone()
	clone.TenantQuotas["t1"] = TenantQuota{ActivePreviewsLimit: 99}
	if cfg.TenantQuotas["t1"].ActivePreviewsLimit != 5 {
		t.Fatal("mutating clone's TenantQuotas leaked into original")
	}
}

func TestCloneNil(t *testing.T) {
	var cfg *Config
	if cfg.Clone() != nil {
		t.Fatal("Clone on nil Config should return nil")
	}
}
