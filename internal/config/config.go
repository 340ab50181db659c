// Package config loads and validates the orchestrator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration document.
type Config struct {
	General      General                `toml:"general"`
	Journal      Journal                `toml:"journal"`
	Retry        Retry                  `toml:"retry"`
	Orchestrator Orchestrator           `toml:"orchestrator"`
	Tenancy      Tenancy                `toml:"tenancy"`
	TenantQuotas map[string]TenantQuota `toml:"tenant_quotas"`
}

// General holds process-wide settings: logging, workspace root, state dirs.
type General struct {
	LogLevel      string `toml:"log_level"`
	WorkspaceRoot string `toml:"workspace_root"`
	DataDir       string `toml:"data_dir"`
}

// Journal controls the append-only mutation log's on-disk layout.
type Journal struct {
	SchemaVersion int    `toml:"schema_version"`
	BuildsPath    string `toml:"builds_path"`
	QuotaPath     string `toml:"quota_path"`
}

// Retry holds the orchestrator-wide retry/backoff ceilings (spec §4.2).
type Retry struct {
	MaxTotalAttempts   int      `toml:"max_total_attempts"`
	MaxPerStepAttempts int      `toml:"max_per_step_attempts"`
	BackoffBase        Duration `toml:"backoff_base"`
	BackoffMax         Duration `toml:"backoff_max"`
	JitterFraction     float64  `toml:"jitter_fraction"`
}

// Orchestrator controls the build-driving state machine's runtime shape.
type Orchestrator struct {
	ParallelBranches     bool     `toml:"parallel_branches"`
	MaxConcurrentBuilds  int      `toml:"max_concurrent_builds"`
	AgentModelDeadline   Duration `toml:"agent_model_deadline"`
	AgentTotalDeadline   Duration `toml:"agent_total_deadline"`
	MaxIterations        int      `toml:"max_iterations"`
	IdempotencyWindow    Duration `toml:"idempotency_window"`
	TaskQueue            string   `toml:"task_queue"`
	TemporalHostPort     string   `toml:"temporal_host_port"`
}

// Tenancy holds the quota defaults applied to tenants with no explicit
// override in TenantQuotas.
type Tenancy struct {
	DefaultActivePreviewsLimit   int      `toml:"default_active_previews_limit"`
	DefaultSnapshotRatePerMinute int      `toml:"default_snapshot_rate_per_minute"`
	DefaultLLMMonthlyBudgetCents int64    `toml:"default_llm_monthly_budget_cents"`
	ResetTick                    Duration `toml:"reset_tick"`
}

// TenantQuota overrides the tenancy defaults for one tenant.
type TenantQuota struct {
	ActivePreviewsLimit   int   `toml:"active_previews_limit"`
	SnapshotRatePerMinute int   `toml:"snapshot_rate_per_minute"`
	LLMMonthlyBudgetCents int64 `toml:"llm_monthly_budget_cents"`
}

// Clone returns a deep-enough copy of cfg so a ConfigManager can hand out
// read-only snapshots without readers observing subsequent writes.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TenantQuotas != nil {
		clone.TenantQuotas = make(map[string]TenantQuota, len(c.TenantQuotas))
		for k, v := range c.TenantQuotas {
			clone.TenantQuotas[k] = v
		}
	}
	return &clone
}

// Load reads and validates a TOML configuration file, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.WorkspaceRoot == "" {
		cfg.General.WorkspaceRoot = "workspace"
	}
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "data"
	}

	if cfg.Journal.SchemaVersion == 0 {
		cfg.Journal.SchemaVersion = 1
	}
	if cfg.Journal.BuildsPath == "" {
		cfg.Journal.BuildsPath = "builds.jsonl"
	}
	if cfg.Journal.QuotaPath == "" {
		cfg.Journal.QuotaPath = "quota.jsonl"
	}

	if cfg.Retry.MaxTotalAttempts == 0 {
		cfg.Retry.MaxTotalAttempts = 6
	}
	if cfg.Retry.MaxPerStepAttempts == 0 {
		cfg.Retry.MaxPerStepAttempts = 3
	}
	if cfg.Retry.BackoffBase.Duration == 0 {
		cfg.Retry.BackoffBase.Duration = time.Second
	}
	if cfg.Retry.BackoffMax.Duration == 0 {
		cfg.Retry.BackoffMax.Duration = 60 * time.Second
	}
	if cfg.Retry.JitterFraction == 0 {
		cfg.Retry.JitterFraction = 0.2
	}

	if cfg.Orchestrator.MaxConcurrentBuilds == 0 {
		cfg.Orchestrator.MaxConcurrentBuilds = 8
	}
	if cfg.Orchestrator.AgentModelDeadline.Duration == 0 {
		cfg.Orchestrator.AgentModelDeadline.Duration = 30 * time.Second
	}
	if cfg.Orchestrator.AgentTotalDeadline.Duration == 0 {
		cfg.Orchestrator.AgentTotalDeadline.Duration = 90 * time.Second
	}
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 5
	}
	if cfg.Orchestrator.IdempotencyWindow.Duration == 0 {
		cfg.Orchestrator.IdempotencyWindow.Duration = 24 * time.Hour
	}
	if cfg.Orchestrator.TaskQueue == "" {
		cfg.Orchestrator.TaskQueue = "forge-build-queue"
	}
	if cfg.Orchestrator.TemporalHostPort == "" {
		cfg.Orchestrator.TemporalHostPort = "127.0.0.1:7233"
	}

	if cfg.Tenancy.DefaultActivePreviewsLimit == 0 {
		cfg.Tenancy.DefaultActivePreviewsLimit = 3
	}
	if cfg.Tenancy.DefaultSnapshotRatePerMinute == 0 {
		cfg.Tenancy.DefaultSnapshotRatePerMinute = 10
	}
	if cfg.Tenancy.DefaultLLMMonthlyBudgetCents == 0 {
		cfg.Tenancy.DefaultLLMMonthlyBudgetCents = 500_00
	}
	if cfg.Tenancy.ResetTick.Duration == 0 {
		cfg.Tenancy.ResetTick.Duration = time.Second
	}
}

func normalizePaths(cfg *Config) {
	if !filepath.IsAbs(cfg.Journal.BuildsPath) {
		cfg.Journal.BuildsPath = filepath.Join(cfg.General.DataDir, cfg.Journal.BuildsPath)
	}
	if !filepath.IsAbs(cfg.Journal.QuotaPath) {
		cfg.Journal.QuotaPath = filepath.Join(cfg.General.DataDir, cfg.Journal.QuotaPath)
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level must be one of debug|info|warn|error, got %q", cfg.General.LogLevel)
	}
	if cfg.Retry.MaxTotalAttempts < 1 {
		return fmt.Errorf("retry.max_total_attempts must be >= 1")
	}
	if cfg.Retry.MaxPerStepAttempts < 1 {
		return fmt.Errorf("retry.max_per_step_attempts must be >= 1")
	}
	if cfg.Orchestrator.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_builds must be >= 1")
	}
	return nil
}

// QuotaFor resolves the effective TenantQuota for a tenant's canonical key,
// falling back to the tenancy-wide defaults.
func (c *Config) QuotaFor(canonicalTenantID string) TenantQuota {
	if q, ok := c.TenantQuotas[canonicalTenantID]; ok {
		return q
	}
	return TenantQuota{
		ActivePreviewsLimit:   c.Tenancy.DefaultActivePreviewsLimit,
		SnapshotRatePerMinute: c.Tenancy.DefaultSnapshotRatePerMinute,
		LLMMonthlyBudgetCents: c.Tenancy.DefaultLLMMonthlyBudgetCents,
	}
}
