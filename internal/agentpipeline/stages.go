package agentpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/forgebase/orchestrator/internal/model"
)

// Stages returns the ordered list of roles a task_type dispatches through,
// per the pipeline table (spec §4.4). auto_fixer and reviewer are loop/gate
// stages the orchestrator invokes conditionally, not unconditionally
// appended here.
func Stages(taskType model.TaskType) []Role {
	switch taskType {
	case model.TaskCreateTest:
		return []Role{RoleCodegen, RoleEvaluator}
	case model.TaskRunAcceptance:
		return []Role{RoleEvaluator}
	case model.TaskCreateFile, model.TaskCreateDirectory, model.TaskGenerateModule, model.TaskCreateSchema, model.TaskSetupRepo:
		return []Role{RoleCodegen, RoleEvaluator, RoleDevOps}
	default:
		return []Role{RoleCodegen, RoleEvaluator}
	}
}

// FullPlanStages is the stage sequence a full-plan build runs once, ahead
// of per-task execution: architect -> designer -> security, with codegen
// onward handled per task via Stages.
func FullPlanStages() []Role {
	return []Role{RoleArchitect, RoleDesigner, RoleSecurity}
}

func contentArtifact(buildID, stepID string, kind model.ArtifactType, path string, content []byte) model.Artifact {
	sum := sha256.Sum256(content)
	return model.Artifact{
		BuildID:      buildID,
		StepID:       stepID,
		Type:         kind,
		Path:         path,
		Content:      content,
		ContentHash:  hex.EncodeToString(sum[:]),
		BytesWritten: len(content),
		Created:      time.Now(),
	}
}

// ArchitectAgent produces the high-level component breakdown for a
// full-plan build: one report-shaped artifact summarizing the task graph.
type ArchitectAgent struct{}

func (ArchitectAgent) Execute(_ context.Context, _ string, in Inputs, rc *RunContext) (Outputs, error) {
	summary := fmt.Sprintf("architecture: %d task(s) planned starting from %q", len(in.Artifacts)+1, in.Task.TaskID)
	art := contentArtifact(rc.BuildID, in.Task.TaskID, model.ArtifactReport, "architecture.md", []byte(summary))
	return Outputs{Artifacts: []model.Artifact{art}}, nil
}

// DesignerAgent elaborates the architecture into per-task interface
// sketches consumed by codegen.
type DesignerAgent struct{}

func (DesignerAgent) Execute(_ context.Context, _ string, in Inputs, rc *RunContext) (Outputs, error) {
	design := fmt.Sprintf("design: task %q (%s) targets %s", in.Task.TaskID, in.Task.TaskType, targetPath(in.Task))
	art := contentArtifact(rc.BuildID, in.Task.TaskID, model.ArtifactReport, "design.md", []byte(design))
	return Outputs{Artifacts: []model.Artifact{art}}, nil
}

func targetPath(t model.TaskNode) string {
	if t.File != "" {
		return t.File
	}
	if t.Directory != "" {
		return t.Directory
	}
	return "(unspecified)"
}

// CodegenAgent materializes a TaskNode's Content into a code artifact.
// Actual generation (LLM or otherwise) is out of scope for this repo;
// it emits the task's pre-seeded content as the candidate artifact, which
// the evaluator then judges against acceptance criteria.
type CodegenAgent struct{}

func (CodegenAgent) Execute(_ context.Context, action string, in Inputs, rc *RunContext) (Outputs, error) {
	path := targetPath(in.Task)
	kind := model.ArtifactCode
	if action == "test" {
		kind = model.ArtifactCode
	}
	art := contentArtifact(rc.BuildID, in.Task.TaskID, kind, path, []byte(in.Task.Content))
	return Outputs{Artifacts: []model.Artifact{art}}, nil
}

// EvaluatorAgent judges artifacts against the task's acceptance criterion
// (if any) and produces an EvaluationReport with an aggregate score gating
// devops/reviewer.
type EvaluatorAgent struct{}

func (EvaluatorAgent) Execute(_ context.Context, _ string, in Inputs, rc *RunContext) (Outputs, error) {
	var results []model.CriterionResult
	score := 100

	if in.Task.TaskType == model.TaskRunAcceptance || in.Task.AcceptanceCriteria != "" {
		passed := len(in.Artifacts) > 0 || in.Task.Content != ""
		reason := "criterion satisfied"
		if !passed {
			reason = "no artifact produced to satisfy criterion"
			score = 0
		}
		results = append(results, model.CriterionResult{
			ID:     in.Task.TaskID,
			Passed: passed,
			Reason: reason,
		})
	} else {
		for _, a := range in.Artifacts {
			if len(a.Content) == 0 {
				score -= 50
				results = append(results, model.CriterionResult{ID: a.Path, Passed: false, Reason: "empty artifact"})
			} else {
				results = append(results, model.CriterionResult{ID: a.Path, Passed: true, Reason: "non-empty artifact"})
			}
		}
		if len(results) == 0 {
			score = 0
			results = append(results, model.CriterionResult{ID: in.Task.TaskID, Passed: false, Reason: "no artifacts to evaluate"})
		}
	}

	report := &model.EvaluationReport{
		BuildID:         rc.BuildID,
		CriteriaResults: results,
		OverallScore:    score,
		Passed:          score >= model.PassThreshold,
	}

	var signal *model.FailureSignal
	if !report.Passed {
		signal = &model.FailureSignal{
			Type:     model.FailureTestAssert,
			Source:   "evaluator",
			Message:  fmt.Sprintf("evaluation score %d below threshold %d", score, model.PassThreshold),
			Severity: model.SeverityMedium,
			CanRetry: false,
		}
	}

	return Outputs{Report: report, Signal: signal}, nil
}

// AutoFixerAgent applies a category-specific patch to a failing artifact.
// The rule selection itself lives in internal/autofix; this stage is the
// agent-pipeline seam that applies a patch_applied outcome's strategy to
// produce a new artifact.
type AutoFixerAgent struct{}

func (AutoFixerAgent) Execute(_ context.Context, strategy string, in Inputs, rc *RunContext) (Outputs, error) {
	patched := fmt.Sprintf("// patched by strategy %s\n%s", strategy, in.Task.Content)
	art := contentArtifact(rc.BuildID, in.Task.TaskID, model.ArtifactFix, targetPath(in.Task), []byte(patched))
	return Outputs{Artifacts: []model.Artifact{art}}, nil
}

// ReviewerAgent gives a final pass/fail verdict for a full-plan build,
// after devops has run, based on the evaluator's last report.
type ReviewerAgent struct{}

func (ReviewerAgent) Execute(_ context.Context, _ string, in Inputs, rc *RunContext) (Outputs, error) {
	if in.Report == nil {
		return Outputs{Report: &model.EvaluationReport{BuildID: rc.BuildID, Passed: false, OverallScore: 0}}, nil
	}
	return Outputs{Report: in.Report}, nil
}
