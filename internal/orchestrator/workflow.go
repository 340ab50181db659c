package orchestrator

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/forgebase/orchestrator/internal/agentpipeline"
	"github.com/forgebase/orchestrator/internal/autofix"
	"github.com/forgebase/orchestrator/internal/graph"
	"github.com/forgebase/orchestrator/internal/model"
)

const (
	stageActivityTimeout    = 5 * time.Minute
	materializeTimeout      = 1 * time.Minute
	classifyTimeout         = 30 * time.Second
	registryActivityTimeout = 15 * time.Second
	planActivityTimeout     = 5 * time.Minute
)

func activityOpts(timeout time.Duration, maxAttempts int32) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: maxAttempts},
	}
}

// stepOutcome is one ready-task dispatch's result: success (err nil) or the
// terminal error that should end the whole build.
type stepOutcome struct {
	taskID string
	err    error
}

// gateDecision is the payload an "approval-<gate id>" signal carries.
type gateDecision struct {
	Approved  bool
	DecidedBy string
}

// BuildWorkflow drives req's TaskGraph from its compiled Plan to a terminal
// Build status. It runs a once-only architect/designer/security pass over
// the whole plan, then dispatches each ready task through the agent
// pipeline stage sequence for its task_type, classifying and auto-fixing
// every failure, mirroring the teacher's own PLAN -> EXECUTE -> REVIEW loop
// generalized here to walk an arbitrary graph instead of one fixed
// sequence of steps.
func BuildWorkflow(ctx workflow.Context, req BuildRequest) error {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	regCtx := workflow.WithActivityOptions(ctx, activityOpts(registryActivityTimeout, 5))
	planCtx := workflow.WithActivityOptions(ctx, activityOpts(planActivityTimeout, 2))
	stageCtx := workflow.WithActivityOptions(ctx, activityOpts(stageActivityTimeout, 1))
	materializeCtx := workflow.WithActivityOptions(ctx, activityOpts(materializeTimeout, 2))
	classifyCtx := workflow.WithActivityOptions(ctx, activityOpts(classifyTimeout, 2))

	var plan model.Plan
	if err := workflow.ExecuteActivity(planCtx, a.LoadPlanActivity, req.PlanID).Get(ctx, &plan); err != nil {
		return concludeFailure(regCtx, a, req, fmt.Errorf("orchestrator: loading plan %s: %w", req.PlanID, err))
	}

	rc := &RunContext{
		Build: model.Build{
			BuildID:       req.BuildID,
			TenantID:      req.TenantID,
			SpecID:        req.SpecID,
			PlanID:        req.PlanID,
			Status:        model.BuildRunning,
			MaxIterations: req.MaxIterations,
		},
		Plan:       plan,
		RetryState: model.NewRetryState(),
	}

	canceled := false
	workflow.Go(ctx, func(gctx workflow.Context) {
		var reason string
		workflow.GetSignalChannel(gctx, "cancel").Receive(gctx, &reason)
		canceled = true
	})

	if err := runFullPlanStages(stageCtx, a, rc); err != nil {
		logger.Warn("full-plan stages flagged an issue, proceeding with per-task execution anyway", "error", err)
	}

	dep := graph.BuildDepGraph(plan.Graph)
	done := make(map[string]bool, len(plan.Graph.Nodes))
	seq := 0

	for len(done) < len(plan.Graph.Nodes) {
		if canceled {
			_ = updateBuildStatus(regCtx, a, req.TenantID, req.BuildID, model.BuildCanceled, "canceled")
			return ErrCanceled
		}

		ready := dep.Ready(done)
		if len(ready) == 0 {
			break // remaining nodes are unreachable; nothing left can make progress
		}

		if req.ParallelBranches && len(ready) > 1 {
			resultsCh := workflow.NewChannel(ctx)
			for _, id := range ready {
				id := id
				workflow.Go(ctx, func(gctx workflow.Context) {
					resultsCh.Send(gctx, runStep(gctx, a, stageCtx, materializeCtx, classifyCtx, regCtx, rc, id, &seq))
				})
			}
			var failure *stepOutcome
			for i := 0; i < len(ready); i++ {
				var outcome stepOutcome
				resultsCh.Receive(ctx, &outcome)
				if outcome.err != nil {
					if failure == nil {
						o := outcome
						failure = &o
					}
					continue
				}
				done[outcome.taskID] = true
			}
			if failure != nil {
				return concludeFailure(regCtx, a, req, failure.err)
			}
		} else {
			outcome := runStep(ctx, a, stageCtx, materializeCtx, classifyCtx, regCtx, rc, ready[0], &seq)
			if outcome.err != nil {
				return concludeFailure(regCtx, a, req, outcome.err)
			}
			done[outcome.taskID] = true
		}
	}

	_ = updateBuildStatus(regCtx, a, req.TenantID, req.BuildID, model.BuildSucceeded, "")
	return nil
}

// runFullPlanStages runs architect -> designer -> security once over the
// plan as a whole, anchored on the first task node, before any per-task
// execution begins. It stops at the first stage that reports a signal and
// returns it as an error; BuildWorkflow logs that error and still runs the
// per-task stages.
func runFullPlanStages(stageCtx workflow.Context, a *Activities, rc *RunContext) error {
	if len(rc.Plan.Graph.Nodes) == 0 {
		return nil
	}
	anchor := rc.Plan.Graph.Nodes[0]
	var artifacts []model.Artifact
	for _, role := range agentpipeline.FullPlanStages() {
		var out RunStageOutput
		if err := workflow.ExecuteActivity(stageCtx, a.RunStageActivity, RunStageInput{
			BuildID: rc.Build.BuildID, Task: anchor, Role: role, Action: "full_plan", Artifacts: artifacts,
		}).Get(stageCtx, &out); err != nil {
			return err
		}
		artifacts = append(artifacts, out.Artifacts...)
		if out.Signal != nil {
			return fmt.Errorf("orchestrator: full-plan %s stage flagged %s: %s", role, out.Signal.Type, out.Signal.Message)
		}
	}
	return nil
}

// runRoles threads seed (plus whatever each stage adds) through roles in
// order, stopping at the first stage that reports a FailureSignal.
func runRoles(ctx workflow.Context, a *Activities, stageCtx workflow.Context, rc *RunContext, node model.TaskNode, roles []agentpipeline.Role, seed []model.Artifact) ([]model.Artifact, *model.EvaluationReport, *model.FailureSignal, error) {
	artifacts := append([]model.Artifact{}, seed...)
	var report *model.EvaluationReport
	for _, role := range roles {
		var out RunStageOutput
		if err := workflow.ExecuteActivity(stageCtx, a.RunStageActivity, RunStageInput{
			BuildID: rc.Build.BuildID, Task: node, Role: role, Action: string(node.TaskType),
			Artifacts: artifacts, Report: report,
		}).Get(ctx, &out); err != nil {
			return artifacts, report, nil, err
		}
		if len(out.Artifacts) > 0 {
			artifacts = append(artifacts, out.Artifacts...)
		}
		if out.Report != nil {
			report = out.Report
		}
		if out.Signal != nil {
			return artifacts, report, out.Signal, nil
		}
	}
	return artifacts, report, nil, nil
}

// rolesAfterCodegen drops a leading codegen stage so a post-patch
// re-verification re-runs evaluation (and devops) without clobbering the
// just-applied patch with a fresh, unpatched codegen pass.
func rolesAfterCodegen(roles []agentpipeline.Role) []agentpipeline.Role {
	if len(roles) > 0 && roles[0] == agentpipeline.RoleCodegen {
		return roles[1:]
	}
	return roles
}

// materializeAndVerify writes artifacts to the build workspace and confirms
// the task's declared shape landed (spec §4.2 "verify the artifact").
// run_acceptance tasks produce no filesystem output of their own; their
// evaluator stage already governs pass/fail.
func materializeAndVerify(ctx workflow.Context, a *Activities, materializeCtx workflow.Context, rc *RunContext, node model.TaskNode, artifacts []model.Artifact) *model.FailureSignal {
	if node.TaskType == model.TaskRunAcceptance {
		return nil
	}
	var out MaterializeOutput
	if err := workflow.ExecuteActivity(materializeCtx, a.MaterializeActivity, MaterializeInput{
		BuildID: rc.Build.BuildID, Task: node, Artifacts: artifacts,
	}).Get(ctx, &out); err != nil {
		return &model.FailureSignal{Type: model.FailureInfra, Source: "materialize", Message: err.Error(), Severity: model.SeverityHigh, CanRetry: true}
	}
	if !out.Verified {
		return &model.FailureSignal{Type: model.FailureRuntime, Source: "materialize", Message: out.Reason, Severity: model.SeverityMedium, CanRetry: true}
	}
	return nil
}

// runStep drives one TaskNode through its stage sequence, looping through
// classify -> auto-fix on every failure until the step succeeds, the build
// gives up on it, a replan is requested, or a rejected approval gate ends
// the build.
func runStep(ctx workflow.Context, a *Activities, stageCtx, materializeCtx, classifyCtx, regCtx workflow.Context, rc *RunContext, taskID string, seq *int) stepOutcome {
	node, ok := rc.Plan.Graph.NodeByID(taskID)
	if !ok {
		return stepOutcome{taskID: taskID, err: fmt.Errorf("orchestrator: task %s not found in plan graph", taskID)}
	}
	roles := agentpipeline.Stages(node.TaskType)

	*seq++
	step := model.Step{
		StepID: node.TaskID, BuildID: rc.Build.BuildID, Name: node.TaskID,
		Status: model.StepRunning, Seq: *seq, StartedAt: workflow.Now(ctx),
	}
	_ = workflow.ExecuteActivity(regCtx, a.UpsertStepActivity, rc.Build.TenantID, step).Get(ctx, nil)

	artifacts, report, signal, err := runRoles(ctx, a, stageCtx, rc, node, roles, nil)
	if err != nil {
		return stepOutcome{taskID: taskID, err: err}
	}

	for {
		if signal == nil {
			signal = materializeAndVerify(ctx, a, materializeCtx, rc, node, artifacts)
		}

		if signal == nil {
			persistStepSuccess(ctx, a, regCtx, rc, &step, node, artifacts, report)
			return stepOutcome{taskID: taskID}
		}

		rc.FailureSignals = append(rc.FailureSignals, *signal)
		_ = workflow.ExecuteActivity(regCtx, a.AppendLogActivity, AppendLogInput{
			TenantID: rc.Build.TenantID, BuildID: rc.Build.BuildID,
			Message: fmt.Sprintf("step %s failed: %s (%s)", node.TaskID, signal.Message, signal.Type),
		}).Get(ctx, nil)

		var hint *model.BackoffHint
		_ = workflow.ExecuteActivity(classifyCtx, a.BackoffHintActivity, signal.Message).Get(ctx, &hint)

		effective := *signal
		if signal.Type == model.FailureUnknown {
			var classified model.FailureSignal
			if cerr := workflow.ExecuteActivity(classifyCtx, a.ClassifyActivity, ClassifyInput{
				StepName: node.TaskID, Logs: signal.Message, Previous: rc.FailureSignals,
			}).Get(ctx, &classified); cerr == nil {
				effective = classified
			}
		}

		rc.RetryState.TotalAttempts++
		rc.RetryState.PerStepAttempts[node.TaskID]++

		var decision autofix.Decision
		if err := workflow.ExecuteActivity(stageCtx, a.AutoFixActivity, AutoFixInput{
			BuildID: rc.Build.BuildID, StepID: node.TaskID, Signal: effective,
			Retry: rc.RetryState, History: rc.FailureSignals, Hint: hint,
		}).Get(ctx, &decision); err != nil {
			return stepOutcome{taskID: taskID, err: err}
		}

		*seq++
		run := model.AutoFixRun{
			ID:             fmt.Sprintf("afr_%s_%s_%04d", rc.Build.BuildID, node.TaskID, *seq),
			BuildID:        rc.Build.BuildID,
			StepID:         node.TaskID,
			SignalType:     effective.Type,
			Attempt:        rc.RetryState.PerStepAttempts[node.TaskID],
			Strategy:       decision.Strategy,
			Outcome:        decision.Outcome,
			BackoffSeconds: decision.BackoffSeconds,
		}
		_ = workflow.ExecuteActivity(regCtx, a.AppendAutoFixRunActivity, AppendAutoFixRunInput{
			TenantID: rc.Build.TenantID, Run: run,
		}).Get(ctx, nil)

		switch decision.Outcome {
		case model.OutcomeRetried:
			rc.RetryState.LastBackoffSeconds = decision.BackoffSeconds
			_ = workflow.Sleep(ctx, time.Duration(decision.BackoffSeconds*float64(time.Second)))
			artifacts, report, signal, err = runRoles(ctx, a, stageCtx, rc, node, roles, nil)
			if err != nil {
				return stepOutcome{taskID: taskID, err: err}
			}
			continue

		case model.OutcomePatchApplied:
			var patchOut RunStageOutput
			if perr := workflow.ExecuteActivity(stageCtx, a.RunStageActivity, RunStageInput{
				BuildID: rc.Build.BuildID, Task: node, Role: agentpipeline.RoleAutoFixer,
				Action: decision.Strategy, Artifacts: artifacts,
			}).Get(ctx, &patchOut); perr != nil {
				return stepOutcome{taskID: taskID, err: perr}
			}
			patched := append(artifacts, patchOut.Artifacts...)
			artifacts, report, signal, err = runRoles(ctx, a, stageCtx, rc, node, rolesAfterCodegen(roles), patched)
			if err != nil {
				return stepOutcome{taskID: taskID, err: err}
			}
			continue

		case model.OutcomeReplanned:
			replanReq := autofix.RePlanRequest{Reason: effective.Message, Signals: rc.FailureSignals}
			if decision.RePlanRequest != nil {
				replanReq = *decision.RePlanRequest
			}
			return stepOutcome{taskID: taskID, err: NewReplanError(ReplanSignal{BuildID: rc.Build.BuildID, Request: replanReq})}

		case model.OutcomeEscalated:
			gate := model.ApprovalGate{
				ID:       fmt.Sprintf("gate_%s_%s", rc.Build.BuildID, node.TaskID),
				BuildID:  rc.Build.BuildID,
				StepID:   node.TaskID,
				GateType: "autofix_escalation",
				Status:   model.GatePending,
			}
			if err := workflow.ExecuteActivity(regCtx, a.UpsertGateActivity, UpsertGateInput{
				TenantID: rc.Build.TenantID, Gate: gate,
			}).Get(ctx, nil); err != nil {
				return stepOutcome{taskID: taskID, err: err}
			}

			var approval gateDecision
			workflow.GetSignalChannel(ctx, "approval-"+gate.ID).Receive(ctx, &approval)

			gate.Status = model.GateApproved
			if !approval.Approved {
				gate.Status = model.GateRejected
			}
			gate.DecidedBy = approval.DecidedBy
			gate.DecidedAt = workflow.Now(ctx)
			_ = workflow.ExecuteActivity(regCtx, a.UpsertGateActivity, UpsertGateInput{
				TenantID: rc.Build.TenantID, Gate: gate,
			}).Get(ctx, nil)

			if !approval.Approved {
				return stepOutcome{taskID: taskID, err: ErrRejected}
			}
			rc.RetryState.PerStepAttempts[node.TaskID] = 0
			artifacts, report, signal, err = runRoles(ctx, a, stageCtx, rc, node, roles, nil)
			if err != nil {
				return stepOutcome{taskID: taskID, err: err}
			}
			continue

		default: // gave_up
			step.Status = model.StepFailed
			step.Error = effective.Message
			step.EndedAt = workflow.Now(ctx)
			_ = workflow.ExecuteActivity(regCtx, a.UpsertStepActivity, rc.Build.TenantID, step).Get(ctx, nil)
			return stepOutcome{taskID: taskID, err: fmt.Errorf("orchestrator: step %s gave up: %s", node.TaskID, effective.Message)}
		}
	}
}

func persistStepSuccess(ctx workflow.Context, a *Activities, regCtx workflow.Context, rc *RunContext, step *model.Step, node model.TaskNode, artifacts []model.Artifact, report *model.EvaluationReport) {
	for i := range artifacts {
		art := artifacts[i]
		art.BuildID = rc.Build.BuildID
		art.StepID = node.TaskID
		if art.ID == "" {
			art.ID = fmt.Sprintf("art_%s_%s_%02d", rc.Build.BuildID, node.TaskID, i)
		}
		rc.Artifacts = append(rc.Artifacts, art)
		_ = workflow.ExecuteActivity(regCtx, a.AppendArtifactActivity, rc.Build.TenantID, art).Get(ctx, nil)
	}
	if report != nil {
		rc.Reports = append(rc.Reports, *report)
	}
	step.Status = model.StepSucceeded
	step.EndedAt = workflow.Now(ctx)
	step.ElapsedMS = step.EndedAt.Sub(step.StartedAt).Milliseconds()
	_ = workflow.ExecuteActivity(regCtx, a.UpsertStepActivity, rc.Build.TenantID, *step).Get(ctx, nil)
}

func updateBuildStatus(regCtx workflow.Context, a *Activities, tenantID, buildID string, status model.BuildStatus, errMsg string) error {
	return workflow.ExecuteActivity(regCtx, a.UpdateBuildStatusActivity, UpdateBuildStatusInput{
		TenantID: tenantID, BuildID: buildID, Status: status, Error: errMsg,
	}).Get(regCtx, nil)
}

func concludeFailure(regCtx workflow.Context, a *Activities, req BuildRequest, err error) error {
	_ = updateBuildStatus(regCtx, a, req.TenantID, req.BuildID, model.BuildFailed, err.Error())
	return err
}
