// Package coreapi is the dependency-injected facade every external surface
// (CLI, future HTTP/gRPC layer) calls into: one method per operation in the
// spec's External Interfaces table, each taking tenant_id first and
// returning (result, *apierr.Error). It wires together the spec store,
// build registry, quota manager, plan graph store, and orchestrator driver,
// but contains no transport of its own — that mirrors how the teacher keeps
// its HTTP handlers (internal/api) thin wrappers around store/scheduler
// calls, just pushed one layer further down into a transport-free struct so
// a CLI and an HTTP server can share it without either depending on the
// other.
package coreapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/classifier"
	"github.com/forgebase/orchestrator/internal/config"
	"github.com/forgebase/orchestrator/internal/graph"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/orchestrator"
	"github.com/forgebase/orchestrator/internal/planparser"
	"github.com/forgebase/orchestrator/internal/quota"
	"github.com/forgebase/orchestrator/internal/registry"
	"github.com/forgebase/orchestrator/internal/specstore"
	"github.com/forgebase/orchestrator/internal/worker"
)

// API is the facade. All fields are required; use New to construct one with
// defaults filled in.
type API struct {
	Config   *config.Config
	Specs    *specstore.Store
	Registry *registry.Registry
	Quota    *quota.Manager
	Graph    *graph.Store
	Driver   *orchestrator.Driver
	Pool     *worker.Pool
	Logger   *slog.Logger
}

// New returns an API with a non-nil Logger even if logger is nil, and
// a Pool sized from cfg.Orchestrator.MaxConcurrentBuilds if none is given.
func New(cfg *config.Config, specs *specstore.Store, reg *registry.Registry, q *quota.Manager, g *graph.Store, driver *orchestrator.Driver, pool *worker.Pool, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = worker.NewPool(cfg.Orchestrator.MaxConcurrentBuilds)
	}
	return &API{Config: cfg, Specs: specs, Registry: reg, Quota: q, Graph: g, Driver: driver, Pool: pool, Logger: logger}
}

// CreateSpecRequest is CreateSpec's input, matching spec §6's
// "title, mode, description?, guided_input?, attachments?".
type CreateSpecRequest struct {
	TenantID    string
	Title       string
	Mode        model.SpecMode
	Description string
	GuidedInput map[string]any
	Attachments []string
}

// CreateSpec records a new Spec. A guided-mode spec allocates an active
// preview slot against the tenant's quota at creation time (spec scenario
// 6); no registry mutation happens if the quota check fails.
func (a *API) CreateSpec(ctx context.Context, req CreateSpecRequest) (model.Spec, error) {
	if req.Title == "" {
		return model.Spec{}, apierr.InvalidInputf("title is required")
	}
	switch req.Mode {
	case model.SpecModeGuided, model.SpecModeFreeform, model.SpecModeImported:
	default:
		return model.Spec{}, apierr.InvalidInputf("unknown mode %q", req.Mode)
	}

	if req.Mode == model.SpecModeGuided {
		if err := a.Quota.CheckPreviewQuota(req.TenantID); err != nil {
			return model.Spec{}, err
		}
	}

	spec := model.Spec{
		ID:          "spec_" + uuid.NewString(),
		TenantID:    req.TenantID,
		Title:       req.Title,
		Mode:        req.Mode,
		Description: req.Description,
		GuidedInput: req.GuidedInput,
		Attachments: req.Attachments,
		CreatedAt:   time.Now(),
	}
	stored, err := a.Specs.Create(spec)
	if err != nil {
		return model.Spec{}, err
	}

	if req.Mode == model.SpecModeGuided {
		// Only this increment half of the preview lifecycle exists; nothing
		// decrements the count when a build ends — see DESIGN.md.
		if err := a.Quota.IncrementPreview(req.TenantID, 1); err != nil {
			a.Logger.Warn("coreapi: failed to record preview allocation", "spec_id", stored.ID, "error", err)
		}
	}
	return stored, nil
}

// GeneratePlan compiles spec_id's content into a TaskGraph and persists it
// as plan version 1. Guided-mode specs render their structured
// guided_input alongside the freeform description before parsing, so a
// guided spec's key/value answers participate in section detection the
// same way a structured document's headings do.
func (a *API) GeneratePlan(ctx context.Context, tenantID, specID string) (model.Plan, error) {
	spec, err := a.Specs.Get(tenantID, specID)
	if err != nil {
		return model.Plan{}, err
	}

	content := renderSpecContent(spec)
	g, err := planparser.ParseStructured(content)
	if err != nil {
		return model.Plan{}, fmt.Errorf("coreapi: parsing spec %s: %w", specID, err)
	}

	plan := model.Plan{
		ID:        "plan_" + uuid.NewString(),
		SpecID:    specID,
		Version:   1,
		Graph:     g,
		RiskScore: riskScore(g),
		Summary:   fmt.Sprintf("%d tasks compiled from spec %q", len(g.Nodes), spec.Title),
		CreatedAt: time.Now(),
	}
	if err := a.Graph.SavePlan(ctx, plan); err != nil {
		return model.Plan{}, fmt.Errorf("coreapi: persisting plan %s: %w", plan.ID, err)
	}
	return plan, nil
}

// renderSpecContent flattens a Spec's freeform description and guided
// answers into the single content blob the plan parser's section detector
// expects.
func renderSpecContent(spec model.Spec) string {
	var b strings.Builder
	b.WriteString(spec.Description)
	if len(spec.GuidedInput) > 0 {
		b.WriteString("\n\n## Spec\n")
		for k, v := range spec.GuidedInput {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	return b.String()
}

// riskScore is a coreapi-local heuristic (the spec does not define one):
// more tasks and any schema-migration step raise the score, clamped to
// [0, 1]. Treated as an implementer decision, recorded in DESIGN.md.
func riskScore(g model.TaskGraph) float64 {
	score := 0.1 + 0.04*float64(len(g.Nodes))
	for _, n := range g.Nodes {
		if n.TaskType == model.TaskCreateSchema {
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// StartBuildRequest is StartBuild's input. PlanID is optional: when empty,
// GeneratePlan is called against SpecID first, matching spec §6's
// "spec_id, plan_id?".
type StartBuildRequest struct {
	TenantID       string
	SpecID         string
	PlanID         string
	IdempotencyKey string
	MaxIterations  int
}

// StartBuild registers a Build and starts its workflow execution.
// Idempotent on (tenant_id, idempotency_key): a repeated call within the
// configured window returns the existing build without starting a second
// execution (internal/registry.Register enforces this).
func (a *API) StartBuild(ctx context.Context, req StartBuildRequest) (model.Build, error) {
	if req.IdempotencyKey == "" {
		return model.Build{}, apierr.InvalidInputf("idempotency_key is required")
	}

	planID := req.PlanID
	if planID == "" {
		plan, err := a.GeneratePlan(ctx, req.TenantID, req.SpecID)
		if err != nil {
			return model.Build{}, err
		}
		planID = plan.ID
	} else if _, err := a.Graph.LoadPlan(ctx, planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Build{}, apierr.NotFoundf("plan %s not found", planID)
		}
		return model.Build{}, fmt.Errorf("coreapi: loading plan %s: %w", planID, err)
	}

	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = a.Config.Orchestrator.MaxIterations
	}

	if !a.Pool.TryAcquire() {
		return model.Build{}, apierr.QuotaExceededf("concurrent_builds", a.Config.Orchestrator.MaxConcurrentBuilds, a.Config.Orchestrator.MaxConcurrentBuilds)
	}

	build := model.Build{
		BuildID:        "build_" + uuid.NewString(),
		TenantID:       req.TenantID,
		SpecID:         req.SpecID,
		PlanID:         planID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         model.BuildQueued,
		MaxIterations:  maxIterations,
		StartedAt:      time.Now(),
		RetryState:     model.NewRetryState(),
	}
	stored, err := a.Registry.Register(build)
	if err != nil {
		a.Pool.Release()
		return model.Build{}, err
	}
	if stored.BuildID != build.BuildID {
		// Register returned a pre-existing build for this idempotency key;
		// the workflow for it is already running (or finished), so this
		// call does not start a second execution and releases the slot it
		// never needed.
		a.Pool.Release()
		return stored, nil
	}

	if _, err := a.Driver.StartBuild(ctx, orchestrator.BuildRequest{
		BuildID:        stored.BuildID,
		TenantID:       stored.TenantID,
		SpecID:         stored.SpecID,
		PlanID:         stored.PlanID,
		IdempotencyKey: stored.IdempotencyKey,
		MaxIterations:  stored.MaxIterations,
	}); err != nil {
		a.Pool.Release()
		return model.Build{}, err
	}
	return stored, nil
}

// BuildView is GetBuild's result: the build record plus everything an
// orchestrator run attached to it, and a bounded tail of its log lines
// (spec §6: "Build + steps + artifacts + logs_tail").
type BuildView struct {
	Build       model.Build
	Steps       []model.Step
	Artifacts   []model.Artifact
	Gates       []model.ApprovalGate
	AutoFixRuns []model.AutoFixRun
	LogsTail    []string
}

const logsTailSize = 20

// GetBuild returns the full aggregate view of one build.
func (a *API) GetBuild(tenantID, buildID string) (BuildView, error) {
	detail, err := a.Registry.Detail(tenantID, buildID)
	if err != nil {
		return BuildView{}, err
	}
	tail := detail.Build.Logs
	if len(tail) > logsTailSize {
		tail = tail[len(tail)-logsTailSize:]
	}
	return BuildView{
		Build:       detail.Build,
		Steps:       detail.Steps,
		Artifacts:   detail.Artifacts,
		Gates:       detail.Gates,
		AutoFixRuns: detail.AutoFixRuns,
		LogsTail:    tail,
	}, nil
}

// ListBuilds returns up to limit builds for a tenant, newest first.
func (a *API) ListBuilds(tenantID string, limit int) []model.Build {
	return a.Registry.List(tenantID, limit)
}

// Cancel requests that buildID unwind at its next checkpoint. Terminal
// builds refuse with a terminal error rather than signal a workflow that
// has already finished.
func (a *API) Cancel(ctx context.Context, tenantID, buildID, reason string) error {
	build, err := a.Registry.Get(tenantID, buildID)
	if err != nil {
		return err
	}
	if build.Status.Terminal() {
		return apierr.Terminalf("build %s is already %s", buildID, build.Status)
	}
	return a.Driver.Cancel(ctx, tenantID, buildID, reason)
}

// Approve resolves a pending approval gate, unblocking the suspended step.
func (a *API) Approve(ctx context.Context, tenantID, buildID, gateID, notes string) error {
	return a.decideGate(ctx, tenantID, buildID, gateID, notes, true)
}

// Reject resolves a pending approval gate as rejected, ending the build.
func (a *API) Reject(ctx context.Context, tenantID, buildID, gateID, notes string) error {
	return a.decideGate(ctx, tenantID, buildID, gateID, notes, false)
}

func (a *API) decideGate(ctx context.Context, tenantID, buildID, gateID, notes string, approve bool) error {
	gate, err := a.Registry.GetGate(tenantID, buildID, gateID)
	if err != nil {
		return err
	}
	if gate.Status != model.GatePending {
		return apierr.Conflictf("gate %s is not pending", gateID)
	}
	decidedBy := notes
	if approve {
		return a.Driver.Approve(ctx, tenantID, buildID, gateID, decidedBy)
	}
	return a.Driver.Reject(ctx, tenantID, buildID, gateID, decidedBy)
}

// Retry re-attempts a terminal, non-succeeded build from its last plan by
// starting a fresh workflow execution under the build's existing ID and
// idempotency key; the
// registry record's history (steps, artifacts, gates) is left untouched as
// a historical record of the failed attempt.
func (a *API) Retry(ctx context.Context, tenantID, buildID string) error {
	build, err := a.Registry.Get(tenantID, buildID)
	if err != nil {
		return err
	}
	if !build.Status.Terminal() {
		return apierr.Conflictf("build %s is not terminal", buildID)
	}
	if build.Status == model.BuildSucceeded {
		return apierr.Conflictf("build %s already succeeded", buildID)
	}

	if !a.Pool.TryAcquire() {
		return apierr.QuotaExceededf("concurrent_builds", a.Config.Orchestrator.MaxConcurrentBuilds, a.Config.Orchestrator.MaxConcurrentBuilds)
	}

	updated, err := a.Registry.Update(tenantID, buildID, func(b *model.Build) {
		b.Status = model.BuildQueued
		b.Error = ""
	})
	if err != nil {
		a.Pool.Release()
		return err
	}

	_, err = a.Driver.StartBuild(ctx, orchestrator.BuildRequest{
		BuildID:        updated.BuildID,
		TenantID:       updated.TenantID,
		SpecID:         updated.SpecID,
		PlanID:         updated.PlanID,
		IdempotencyKey: updated.IdempotencyKey,
		MaxIterations:  updated.MaxIterations,
	})
	if err != nil {
		a.Pool.Release()
	}
	return err
}

// ClassifyFailure classifies a step's logs against prior signals, with no
// tenant scoping and no registry interaction: it is a pure function call
// exposed for callers (tooling, tests) that want to preview a
// classification without running a build.
func (a *API) ClassifyFailure(stepName, logs string, priorSignals []model.FailureSignal) model.FailureSignal {
	return classifier.Classify(stepName, logs, priorSignals)
}
