package agentpipeline

import (
	"context"
	"testing"

	"github.com/forgebase/orchestrator/internal/model"
)

func TestStagesDispatchTable(t *testing.T) {
	cases := []struct {
		taskType model.TaskType
		want     []Role
	}{
		{model.TaskCreateFile, []Role{RoleCodegen, RoleEvaluator, RoleDevOps}},
		{model.TaskCreateDirectory, []Role{RoleCodegen, RoleEvaluator, RoleDevOps}},
		{model.TaskCreateTest, []Role{RoleCodegen, RoleEvaluator}},
		{model.TaskRunAcceptance, []Role{RoleEvaluator}},
	}
	for _, c := range cases {
		got := Stages(c.taskType)
		if len(got) != len(c.want) {
			t.Fatalf("Stages(%q) = %v, want %v", c.taskType, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("Stages(%q)[%d] = %q, want %q", c.taskType, i, got[i], c.want[i])
			}
		}
	}
}

func TestRegistryRunStageRecordsSpan(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rc := &RunContext{BuildID: "b1"}

	in := Inputs{Task: model.TaskNode{TaskID: "t1", TaskType: model.TaskCreateFile, File: "main.go", Content: "package main"}}
	out, err := reg.RunStage(context.Background(), RoleCodegen, "", in, rc)
	if err != nil {
		t.Fatalf("RunStage failed: %v", err)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(out.Artifacts))
	}
	if len(rc.Spans) != 1 {
		t.Fatalf("expected 1 span recorded, got %d", len(rc.Spans))
	}
	span := rc.Spans[0]
	if span.AgentRole != RoleCodegen {
		t.Fatalf("AgentRole = %q, want codegen", span.AgentRole)
	}
	if span.InputsHash == "" || span.OutputHash == "" {
		t.Fatal("expected non-empty input/output hashes")
	}
}

func TestRunStageUnregisteredRoleErrors(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rc := &RunContext{BuildID: "b1"}
	if _, err := reg.RunStage(context.Background(), RoleDevOps, "", Inputs{}, rc); err == nil {
		t.Fatal("expected error for unregistered devops role")
	}
}

func TestEvaluatorFailsEmptyArtifact(t *testing.T) {
	e := EvaluatorAgent{}
	rc := &RunContext{BuildID: "b1"}
	in := Inputs{
		Task:      model.TaskNode{TaskID: "t1", TaskType: model.TaskCreateFile},
		Artifacts: []model.Artifact{{Path: "x.go", Content: nil}},
	}
	out, err := e.Execute(context.Background(), "", in, rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Report == nil || out.Report.Passed {
		t.Fatalf("expected a failing report for an empty artifact, got %+v", out.Report)
	}
	if out.Signal == nil || out.Signal.Type != model.FailureTestAssert {
		t.Fatalf("expected a test_assert signal, got %+v", out.Signal)
	}
}

func TestEvaluatorPassesAcceptanceCriterion(t *testing.T) {
	e := EvaluatorAgent{}
	rc := &RunContext{BuildID: "b1"}
	in := Inputs{Task: model.TaskNode{TaskID: "test_ab12", TaskType: model.TaskRunAcceptance, AcceptanceCriteria: "endpoint returns 200", Content: "ok"}}
	out, err := e.Execute(context.Background(), "", in, rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !out.Report.Passed {
		t.Fatalf("expected passing report, got %+v", out.Report)
	}
}

func TestSecurityAgentDeniesSecretLookingContent(t *testing.T) {
	ctx := context.Background()
	sec, err := NewSecurityAgent(ctx)
	if err != nil {
		t.Fatalf("NewSecurityAgent failed: %v", err)
	}
	in := Inputs{
		Task:      model.TaskNode{TaskID: "t1", File: "config.go"},
		Artifacts: []model.Artifact{{Path: "config.go", Content: []byte("const key = \"sk-abcdef123456\"")}},
	}
	out, err := sec.Execute(ctx, "", in, &RunContext{BuildID: "b1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Signal == nil || out.Signal.Type != model.FailurePolicy {
		t.Fatalf("expected a policy signal for secret-looking content, got %+v", out.Signal)
	}
}

func TestSecurityAgentAllowsCleanContent(t *testing.T) {
	ctx := context.Background()
	sec, err := NewSecurityAgent(ctx)
	if err != nil {
		t.Fatalf("NewSecurityAgent failed: %v", err)
	}
	in := Inputs{
		Task:      model.TaskNode{TaskID: "t1", File: "main.go"},
		Artifacts: []model.Artifact{{Path: "main.go", Content: []byte("package main\n\nfunc main() {}\n")}},
	}
	out, err := sec.Execute(ctx, "", in, &RunContext{BuildID: "b1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Signal != nil {
		t.Fatalf("expected no signal for clean content, got %+v", out.Signal)
	}
}

func TestSecurityAgentDeniesDisallowedPath(t *testing.T) {
	ctx := context.Background()
	sec, err := NewSecurityAgent(ctx)
	if err != nil {
		t.Fatalf("NewSecurityAgent failed: %v", err)
	}
	in := Inputs{
		Task:      model.TaskNode{TaskID: "t1", File: "/etc/passwd"},
		Artifacts: []model.Artifact{{Path: "/etc/passwd", Content: []byte("root:x:0:0")}},
	}
	out, err := sec.Execute(ctx, "", in, &RunContext{BuildID: "b1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Signal == nil || out.Signal.Type != model.FailurePolicy {
		t.Fatalf("expected a policy signal for a disallowed path, got %+v", out.Signal)
	}
}
