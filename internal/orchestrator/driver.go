package orchestrator

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/config"
	"github.com/forgebase/orchestrator/internal/graph"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/registry"
)

// Driver is the non-workflow half of the orchestrator: it starts build
// workflow executions, relays Cancel/Approve/Reject as Temporal signals, and
// carries a replanned build over into its next iteration. coreapi calls into
// Driver; Driver never imports coreapi.
type Driver struct {
	Temporal client.Client
	Config   *config.Config
	Registry *registry.Registry
	Graph    *graph.Store
	Agents   *Activities
}

func workflowID(buildID string) string {
	return "build-" + buildID
}

// StartBuild starts a new BuildWorkflow execution for req, returning the
// Temporal run handle. Callers are responsible for having already
// registered the build in the registry (coreapi.StartBuild does this before
// calling Driver.StartBuild, so a crash between the two still leaves a
// recoverable build record).
func (d *Driver) StartBuild(ctx context.Context, req BuildRequest) (client.WorkflowRun, error) {
	req.ParallelBranches = req.ParallelBranches || d.Config.Orchestrator.ParallelBranches
	opts := client.StartWorkflowOptions{
		ID:        workflowID(req.BuildID),
		TaskQueue: d.taskQueue(),
	}
	run, err := d.Temporal.ExecuteWorkflow(ctx, opts, BuildWorkflow, req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: starting build workflow %s: %w", req.BuildID, err)
	}
	return run, nil
}

func (d *Driver) taskQueue() string {
	if d.Config.Orchestrator.TaskQueue != "" {
		return d.Config.Orchestrator.TaskQueue
	}
	return "forge-build-queue"
}

// Cancel signals a running build's workflow to unwind at its next
// checkpoint. The workflow itself flips Build.Status to canceled; this
// only requests it.
func (d *Driver) Cancel(ctx context.Context, tenantID, buildID, reason string) error {
	if _, err := d.Registry.Get(tenantID, buildID); err != nil {
		return err
	}
	if err := d.Temporal.SignalWorkflow(ctx, workflowID(buildID), "", "cancel", reason); err != nil {
		return fmt.Errorf("orchestrator: signaling cancel for build %s: %w", buildID, err)
	}
	return nil
}

// Approve resolves a pending approval gate, unblocking the workflow step
// that created it.
func (d *Driver) Approve(ctx context.Context, tenantID, buildID, gateID, decidedBy string) error {
	return d.decideGate(ctx, tenantID, buildID, gateID, gateDecision{Approved: true, DecidedBy: decidedBy})
}

// Reject resolves a pending approval gate as rejected, which ends the
// build's workflow execution with ErrRejected.
func (d *Driver) Reject(ctx context.Context, tenantID, buildID, gateID, decidedBy string) error {
	return d.decideGate(ctx, tenantID, buildID, gateID, gateDecision{Approved: false, DecidedBy: decidedBy})
}

func (d *Driver) decideGate(ctx context.Context, tenantID, buildID, gateID string, decision gateDecision) error {
	gate, err := d.Registry.GetGate(tenantID, buildID, gateID)
	if err != nil {
		return err
	}
	if gate.Status != model.GatePending {
		return apierr.Conflictf("gate %s already decided", gateID)
	}
	if err := d.Temporal.SignalWorkflow(ctx, workflowID(buildID), "", "approval-"+gateID, decision); err != nil {
		return fmt.Errorf("orchestrator: signaling gate %s: %w", gateID, err)
	}
	return nil
}

// Replan produces plan version N+1 from sig's recommendation and starts a
// fresh workflow execution against it, bumping Build.Iteration. It refuses
// once Iteration would exceed the build's MaxIterations, the bounded
// resource policy's backstop against runaway replan loops.
func (d *Driver) Replan(ctx context.Context, tenantID string, sig ReplanSignal) (model.Build, error) {
	build, err := d.Registry.Get(tenantID, sig.BuildID)
	if err != nil {
		return model.Build{}, err
	}
	if build.MaxIterations > 0 && build.Iteration+1 > build.MaxIterations {
		return model.Build{}, ErrMaxIterationsExceeded
	}

	oldPlan, err := d.Graph.LoadPlan(ctx, build.PlanID)
	if err != nil {
		return model.Build{}, fmt.Errorf("orchestrator: loading plan %s for replan: %w", build.PlanID, err)
	}

	newPlan, err := d.Agents.ReplanActivity(ctx, ReplanInput{BuildID: build.BuildID, Old: oldPlan, Request: sig.Request})
	if err != nil {
		return model.Build{}, err
	}

	updated, err := d.Registry.Update(tenantID, build.BuildID, func(b *model.Build) {
		b.PlanID = newPlan.ID
		b.Iteration++
		b.Status = model.BuildQueued
		b.Error = ""
	})
	if err != nil {
		return model.Build{}, err
	}

	req := BuildRequest{
		BuildID:        updated.BuildID,
		TenantID:       updated.TenantID,
		SpecID:         updated.SpecID,
		PlanID:         updated.PlanID,
		IdempotencyKey: updated.IdempotencyKey,
		MaxIterations:  updated.MaxIterations,
	}
	if _, err := d.StartBuild(ctx, req); err != nil {
		return model.Build{}, err
	}
	return updated, nil
}
