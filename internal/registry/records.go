package registry

import (
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/tenancy"
)

// BuildDetail is the aggregate view GetBuild hands back: the build record
// plus everything an orchestrator run attached to it (spec §6 "Build +
// steps + artifacts + logs_tail"). Logs live on model.Build itself already.
type BuildDetail struct {
	Build       model.Build
	Steps       []model.Step
	Artifacts   []model.Artifact
	Gates       []model.ApprovalGate
	AutoFixRuns []model.AutoFixRun
}

// detail is the mutable, in-memory counterpart kept alongside each build
// record. Steps and gates are keyed by ID so repeated upserts (a step
// transitioning running -> succeeded) replace in place instead of
// appending duplicates; artifacts and auto-fix runs are append-only,
// matching their immutable, content-addressed nature (spec §3).
type detail struct {
	steps       map[string]*model.Step
	stepOrder   []string
	artifacts   []model.Artifact
	gates       map[string]*model.ApprovalGate
	gateOrder   []string
	autoFixRuns []model.AutoFixRun
}

func newDetail() *detail {
	return &detail{steps: map[string]*model.Step{}, gates: map[string]*model.ApprovalGate{}}
}

// journaledDetail is the on-disk shape for a build's steps/artifacts/gates,
// appended to the same journal as the build record under a distinct key
// suffix so replay can reconstruct both independently.
type journaledDetail struct {
	Build       model.Build            `json:"build"`
	Steps       []model.Step           `json:"steps"`
	Artifacts   []model.Artifact       `json:"artifacts"`
	Gates       []model.ApprovalGate   `json:"gates"`
	AutoFixRuns []model.AutoFixRun     `json:"autofix_runs"`
}

func (r *Registry) detailFor(k key) *detail {
	d, ok := r.details[k]
	if !ok {
		d = newDetail()
		r.details[k] = d
	}
	return d
}

func (r *Registry) persistDetail(canonical, buildID string) error {
	k := key{tenant: canonical, buildID: buildID}
	b, ok := r.builds[k]
	if !ok {
		return apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	jd := journaledDetail{Build: *b}
	for _, id := range d.stepOrder {
		jd.Steps = append(jd.Steps, *d.steps[id])
	}
	jd.Artifacts = append(jd.Artifacts, d.artifacts...)
	for _, id := range d.gateOrder {
		jd.Gates = append(jd.Gates, *d.gates[id])
	}
	jd.AutoFixRuns = append(jd.AutoFixRuns, d.autoFixRuns...)

	jk := "detail/" + b.TenantID + "/" + b.BuildID
	return r.j.Append(jk, time.Now().Unix(), jd)
}

// UpsertStep records or replaces a step's state for a build, keyed by
// StepID. Callers pass the tenant ID so cross-tenant writes fail with
// not_found like every other registry mutation.
func (r *Registry) UpsertStep(tenantID, buildID string, step model.Step) error {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	if _, ok := r.builds[k]; !ok {
		return apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	if _, exists := d.steps[step.StepID]; !exists {
		d.stepOrder = append(d.stepOrder, step.StepID)
	}
	stored := step
	d.steps[step.StepID] = &stored
	return r.persistDetail(canonical, buildID)
}

// AppendArtifact records an immutable artifact produced by a step.
func (r *Registry) AppendArtifact(tenantID, buildID string, artifact model.Artifact) error {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	if _, ok := r.builds[k]; !ok {
		return apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	d.artifacts = append(d.artifacts, artifact)
	return r.persistDetail(canonical, buildID)
}

// UpsertGate records or replaces an approval gate's state, keyed by ID.
func (r *Registry) UpsertGate(tenantID, buildID string, gate model.ApprovalGate) error {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	if _, ok := r.builds[k]; !ok {
		return apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	if _, exists := d.gates[gate.ID]; !exists {
		d.gateOrder = append(d.gateOrder, gate.ID)
	}
	stored := gate
	d.gates[gate.ID] = &stored
	return r.persistDetail(canonical, buildID)
}

// GetGate returns a single gate by ID, tenant-scoped like every other read.
func (r *Registry) GetGate(tenantID, buildID, gateID string) (model.ApprovalGate, error) {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	if _, ok := r.builds[k]; !ok {
		return model.ApprovalGate{}, apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	g, ok := d.gates[gateID]
	if !ok {
		return model.ApprovalGate{}, apierr.NotFoundf("gate %s not found", gateID)
	}
	return *g, nil
}

// AppendAutoFixRun records one auto-fixer invocation.
func (r *Registry) AppendAutoFixRun(tenantID, buildID string, run model.AutoFixRun) error {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	if _, ok := r.builds[k]; !ok {
		return apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)
	d.autoFixRuns = append(d.autoFixRuns, run)
	return r.persistDetail(canonical, buildID)
}

// Detail returns the full aggregate view of a build: its steps, artifacts,
// gates, and auto-fix history, newest-appended-last within each slice.
func (r *Registry) Detail(tenantID, buildID string) (BuildDetail, error) {
	_, canonical := tenancy.Normalize(tenantID)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{tenant: canonical, buildID: buildID}
	b, ok := r.builds[k]
	if !ok {
		return BuildDetail{}, apierr.NotFoundf("build %s not found", buildID)
	}
	d := r.detailFor(k)

	out := BuildDetail{Build: *b}
	for _, id := range d.stepOrder {
		out.Steps = append(out.Steps, *d.steps[id])
	}
	out.Artifacts = append(out.Artifacts, d.artifacts...)
	for _, id := range d.gateOrder {
		out.Gates = append(out.Gates, *d.gates[id])
	}
	out.AutoFixRuns = append(out.AutoFixRuns, d.autoFixRuns...)
	return out, nil
}
