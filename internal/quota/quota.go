// Package quota implements per-tenant admission control and usage
// accounting across three dimensions: concurrent previews, snapshot rate,
// and monthly LLM spend. Like the build registry, it holds the
// authoritative state in RAM and journals every mutation so it survives a
// restart.
package quota

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/journal"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/tenancy"
)

// Dimension identifies which of the three admission-control axes an
// operation concerns.
type Dimension string

const (
	DimensionPreview  Dimension = "active_previews"
	DimensionSnapshot Dimension = "snapshot_rate"
	DimensionLLMSpend Dimension = "llm_monthly_spend"
)

// snapshotResetInterval and llmSpendResetInterval are the spec's fixed
// reset cadences: the snapshot counter resets every minute, LLM spend
// every 30 days of wall clock.
const (
	snapshotResetInterval = 60 * time.Second
	llmSpendResetInterval = 30 * 24 * time.Hour
)

type tenantState struct {
	quota model.TenantQuota
	usage model.TenantUsage
}

type journaledState struct {
	TenantID string            `json:"tenant_id"`
	Quota    model.TenantQuota `json:"quota"`
	Usage    model.TenantUsage `json:"usage"`
}

// AuditEntry records an UpdateQuota call for later inspection.
type AuditEntry struct {
	TenantID  string
	Dimension Dimension
	NewValue  int64
	ChangedBy string
	At        time.Time
}

// Manager is the tenant quota admission/accounting authority. A Manager
// must be opened via Open and closed via Close.
type Manager struct {
	mu       sync.Mutex
	tenants  map[string]*tenantState
	defaults func(canonicalTenantID string) model.TenantQuota
	j        *journal.Journal
	audit    []AuditEntry
}

// Open replays path's journal (if any) to rebuild tenant state, then
// returns a Manager ready to serve admission checks. defaultsFn resolves
// the fallback quota for a tenant with no recorded state yet (typically
// backed by config.Config.QuotaFor).
func Open(path string, schemaVersion int, defaultsFn func(canonicalTenantID string) model.TenantQuota) (*Manager, error) {
	j, err := journal.Open(path, schemaVersion)
	if err != nil {
		return nil, err
	}

	m := &Manager{tenants: map[string]*tenantState{}, defaults: defaultsFn, j: j}

	err = journal.Replay(path, schemaVersion, func(env journal.Envelope) error {
		var js journaledState
		if uerr := json.Unmarshal(env.Record, &js); uerr != nil {
			return nil // corrupt record already logged by journal.Replay's own scan
		}
		m.tenants[js.TenantID] = &tenantState{quota: js.Quota, usage: js.Usage}
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) state(canonicalTenantID string) *tenantState {
	st, ok := m.tenants[canonicalTenantID]
	if !ok {
		st = &tenantState{quota: m.defaults(canonicalTenantID)}
		m.tenants[canonicalTenantID] = st
	}
	return st
}

func (m *Manager) persist(canonicalTenantID string, st *tenantState) error {
	return m.j.Append(canonicalTenantID, time.Now().Unix(), journaledState{
		TenantID: canonicalTenantID,
		Quota:    st.quota,
		Usage:    st.usage,
	})
}

// Close flushes and closes the underlying journal.
func (m *Manager) Close() error {
	return m.j.Close()
}

// CheckPreviewQuota reports whether tenant has room for another concurrent
// preview, returning a QuotaExceeded apierr.Error (dimension
// "active_previews") when not.
func (m *Manager) CheckPreviewQuota(rawTenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	m.resetIfDue(canonical)
	st := m.state(canonical)
	if st.usage.ActivePreviews >= st.quota.ActivePreviewsLimit {
		return apierr.QuotaExceededf(string(DimensionPreview), st.usage.ActivePreviews, st.quota.ActivePreviewsLimit)
	}
	return nil
}

// CheckSnapshotQuota reports whether tenant has room for another snapshot
// within the current 60s window.
func (m *Manager) CheckSnapshotQuota(rawTenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	m.resetIfDue(canonical)
	st := m.state(canonical)
	if st.usage.SnapshotCount >= st.quota.SnapshotRatePerMinute {
		return apierr.QuotaExceededf(string(DimensionSnapshot), st.usage.SnapshotCount, st.quota.SnapshotRatePerMinute)
	}
	return nil
}

// CheckLLMQuota reports whether tenant's projected spend (current +
// estimatedCostCents) stays within the monthly budget.
func (m *Manager) CheckLLMQuota(rawTenantID string, estimatedCostCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	m.resetIfDue(canonical)
	st := m.state(canonical)
	if st.usage.LLMSpendCents+estimatedCostCents > st.quota.LLMMonthlyBudgetCents {
		return apierr.QuotaExceededf(string(DimensionLLMSpend), st.usage.LLMSpendCents, st.quota.LLMMonthlyBudgetCents,
			map[string]any{"estimated_cost_cents": estimatedCostCents})
	}
	return nil
}

// IncrementPreview adjusts tenant's active preview count by delta (may be
// negative, e.g. when a preview ends) and persists the new usage.
func (m *Manager) IncrementPreview(rawTenantID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	st := m.state(canonical)
	st.usage.ActivePreviews += delta
	if st.usage.ActivePreviews < 0 {
		st.usage.ActivePreviews = 0
	}
	return m.persist(canonical, st)
}

// IncrementSnapshot adjusts tenant's current-window snapshot count.
func (m *Manager) IncrementSnapshot(rawTenantID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	m.resetIfDue(canonical)
	st := m.state(canonical)
	st.usage.SnapshotCount += delta
	if st.usage.SnapshotCount < 0 {
		st.usage.SnapshotCount = 0
	}
	return m.persist(canonical, st)
}

// IncrementLLMSpend adjusts tenant's month-to-date LLM spend.
func (m *Manager) IncrementLLMSpend(rawTenantID string, deltaCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	m.resetIfDue(canonical)
	st := m.state(canonical)
	st.usage.LLMSpendCents += deltaCents
	if st.usage.LLMSpendCents < 0 {
		st.usage.LLMSpendCents = 0
	}
	return m.persist(canonical, st)
}

// UpdateQuota overrides one dimension of tenant's limit, audited with
// changedBy for later inspection via Audit.
func (m *Manager) UpdateQuota(rawTenantID string, dimension Dimension, newValue int64, changedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	st := m.state(canonical)

	switch dimension {
	case DimensionPreview:
		st.quota.ActivePreviewsLimit = int(newValue)
	case DimensionSnapshot:
		st.quota.SnapshotRatePerMinute = int(newValue)
	case DimensionLLMSpend:
		st.quota.LLMMonthlyBudgetCents = newValue
	default:
		return apierr.InvalidInputf("unknown quota dimension %q", dimension)
	}

	m.audit = append(m.audit, AuditEntry{TenantID: canonical, Dimension: dimension, NewValue: newValue, ChangedBy: changedBy, At: time.Now()})
	return m.persist(canonical, st)
}

// Audit returns the UpdateQuota history recorded so far, newest last.
func (m *Manager) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Usage returns tenant's current usage snapshot.
func (m *Manager) Usage(rawTenantID string) model.TenantUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canonical := tenancy.Normalize(rawTenantID)
	return m.state(canonical).usage
}

// resetIfDue applies the idempotent 1Hz-ticker reset rule inline at
// access time: if the snapshot window or LLM spend month has elapsed
// since the last reset marker, zero the counter and advance the marker.
// Tick additionally calls this for every known tenant on each 1Hz beat so
// a tenant's counters reset even without being accessed.
func (m *Manager) resetIfDue(canonical string) {
	st := m.state(canonical)
	now := time.Now()
	if st.usage.SnapshotResetAt.IsZero() {
		st.usage.SnapshotResetAt = now
	}
	if now.Sub(st.usage.SnapshotResetAt) >= snapshotResetInterval {
		st.usage.SnapshotCount = 0
		st.usage.SnapshotResetAt = now
	}
	if st.usage.LLMSpendResetAt.IsZero() {
		st.usage.LLMSpendResetAt = now
	}
	if now.Sub(st.usage.LLMSpendResetAt) >= llmSpendResetInterval {
		st.usage.LLMSpendCents = 0
		st.usage.LLMSpendResetAt = now
	}
}

// Tick runs one reset-schedule pass across every tenant with recorded
// state, persisting any tenant whose counters reset. Callers drive this
// from a 1Hz ticker (see cmd/forge's main loop); resets
// are idempotent so a missed or doubled tick is harmless.
func (m *Manager) Tick() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for canonical, st := range m.tenants {
		before := st.usage
		m.resetIfDue(canonical)
		if before != st.usage {
			if err := m.persist(canonical, st); err != nil {
				return err
			}
		}
	}
	return nil
}
