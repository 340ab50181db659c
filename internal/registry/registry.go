// Package registry holds the runtime source of truth for builds: an
// in-memory map guarded by a single mutex, with every mutation mirrored to
// an append-only journal so a restart can replay state instead of losing it.
package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/journal"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/tenancy"
)

const maxLogLines = 100

type key struct {
	tenant  string
	buildID string
}

// Registry is the tenant-scoped build registry. All reads and writes pass
// through mu; the journal append happens while the lock is held so replay
// order always matches the order readers observed the in-memory state.
type Registry struct {
	mu      sync.Mutex
	builds  map[key]*model.Build
	idemIdx map[key]string // (tenant, idempotency_key) -> build_id
	details map[key]*detail
	j       *journal.Journal
}

// journaledBuild is the on-disk shape; it exists separately from
// model.Build so adding transient runtime-only fields to Build later doesn't
// change the journal schema.
type journaledBuild struct {
	Build          model.Build `json:"build"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// Open opens the journal at path and replays it into a fresh Registry.
func Open(path string, schemaVersion int) (*Registry, error) {
	j, err := journal.Open(path, schemaVersion)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		builds:  make(map[key]*model.Build),
		idemIdx: make(map[key]string),
		details: make(map[key]*detail),
		j:       j,
	}
	err = journal.Replay(path, schemaVersion, func(env journal.Envelope) error {
		if strings.HasPrefix(env.Key, "detail/") {
			var jd journaledDetail
			if err := json.Unmarshal(env.Record, &jd); err != nil {
				return nil // corrupt record already logged by journal.Replay's own scan
			}
			k := key{tenant: jd.Build.TenantID, buildID: jd.Build.BuildID}
			d := newDetail()
			for _, s := range jd.Steps {
				step := s
				d.steps[step.StepID] = &step
				d.stepOrder = append(d.stepOrder, step.StepID)
			}
			d.artifacts = append(d.artifacts, jd.Artifacts...)
			for _, g := range jd.Gates {
				gate := g
				d.gates[gate.ID] = &gate
				d.gateOrder = append(d.gateOrder, gate.ID)
			}
			d.autoFixRuns = append(d.autoFixRuns, jd.AutoFixRuns...)
			r.details[k] = d
			return nil
		}

		var jb journaledBuild
		if err := json.Unmarshal(env.Record, &jb); err != nil {
			return nil // corrupt record already logged by journal.Replay's own scan
		}
		b := jb.Build
		k := key{tenant: b.TenantID, buildID: b.BuildID}
		r.builds[k] = &b
		if jb.IdempotencyKey != "" {
			r.idemIdx[key{tenant: b.TenantID, buildID: jb.IdempotencyKey}] = b.BuildID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) persist(b *model.Build) error {
	jk := b.TenantID + "/" + b.BuildID
	return r.j.Append(jk, time.Now().Unix(), journaledBuild{Build: *b, IdempotencyKey: b.IdempotencyKey})
}

// Register inserts a new build. If an existing build with the same
// (tenant, idempotency_key) already exists, it is returned instead of
// creating a duplicate — this is the registry's half of the idempotency
// contract described in the spec's external interfaces.
func (r *Registry) Register(b model.Build) (model.Build, error) {
	_, canonical := tenancy.Normalize(b.TenantID)
	b.TenantID = canonical

	r.mu.Lock()
	defer r.mu.Unlock()

	if b.IdempotencyKey != "" {
		if existingID, ok := r.idemIdx[key{tenant: canonical, buildID: b.IdempotencyKey}]; ok {
			if existing, ok := r.builds[key{tenant: canonical, buildID: existingID}]; ok {
				return *existing, nil
			}
		}
	}

	k := key{tenant: canonical, buildID: b.BuildID}
	if _, exists := r.builds[k]; exists {
		return model.Build{}, apierr.Conflictf("build %s already registered", b.BuildID)
	}

	stored := b
	r.builds[k] = &stored
	if b.IdempotencyKey != "" {
		r.idemIdx[key{tenant: canonical, buildID: b.IdempotencyKey}] = b.BuildID
	}
	if err := r.persist(&stored); err != nil {
		return model.Build{}, err
	}
	return stored, nil
}

// Update applies mutate to the build's in-memory record under the lock and
// persists the result. mutate must not retain the pointer beyond its call.
func (r *Registry) Update(tenantID, buildID string, mutate func(*model.Build)) (model.Build, error) {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	b, ok := r.builds[k]
	if !ok {
		return model.Build{}, apierr.NotFoundf("build %s not found", buildID)
	}

	mutate(b)
	b.UpdatedAt = time.Now()
	if err := r.persist(b); err != nil {
		return model.Build{}, err
	}
	return *b, nil
}

// Get returns the build for (tenantID, buildID). Tenant mismatch and
// absence both surface as NotFound, never distinguished, to avoid leaking
// the existence of another tenant's build.
func (r *Registry) Get(tenantID, buildID string) (model.Build, error) {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.builds[key{tenant: canonical, buildID: buildID}]
	if !ok {
		return model.Build{}, apierr.NotFoundf("build %s not found", buildID)
	}
	return *b, nil
}

// List returns up to limit builds for a tenant, newest first by StartedAt.
func (r *Registry) List(tenantID string, limit int) []model.Build {
	_, canonical := tenancy.Normalize(tenantID)
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Build
	for k, b := range r.builds {
		if k.tenant == canonical {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AppendLog adds a timestamped line to a build's bounded log ring buffer.
func (r *Registry) AppendLog(tenantID, buildID, message string) error {
	_, err := r.Update(tenantID, buildID, func(b *model.Build) {
		entry := time.Now().Format("15:04:05") + " " + message
		b.Logs = append(b.Logs, entry)
		if len(b.Logs) > maxLogLines {
			b.Logs = b.Logs[len(b.Logs)-maxLogLines:]
		}
	})
	return err
}

// Close flushes and closes the underlying journal.
func (r *Registry) Close() error {
	return r.j.Close()
}
