package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/model"
)

func TestUpsertStepAndDetail(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(model.Build{BuildID: "b1", TenantID: "tenant-a", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.UpsertStep("tenant-a", "b1", model.Step{StepID: "s1", BuildID: "b1", Status: model.StepRunning}); err != nil {
		t.Fatalf("UpsertStep failed: %v", err)
	}
	if err := r.UpsertStep("tenant-a", "b1", model.Step{StepID: "s1", BuildID: "b1", Status: model.StepSucceeded}); err != nil {
		t.Fatalf("UpsertStep (replace) failed: %v", err)
	}

	if err := r.AppendArtifact("tenant-a", "b1", model.Artifact{ID: "a1", StepID: "s1", Path: "x.go"}); err != nil {
		t.Fatalf("AppendArtifact failed: %v", err)
	}

	detail, err := r.Detail("tenant-a", "b1")
	if err != nil {
		t.Fatalf("Detail failed: %v", err)
	}
	if len(detail.Steps) != 1 {
		t.Fatalf("expected 1 step (upsert, not append), got %d", len(detail.Steps))
	}
	if detail.Steps[0].Status != model.StepSucceeded {
		t.Errorf("expected step status succeeded after replace, got %q", detail.Steps[0].Status)
	}
	if len(detail.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(detail.Artifacts))
	}
}

func TestGateLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(model.Build{BuildID: "b1", TenantID: "tenant-a", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	gate := model.ApprovalGate{ID: "g1", BuildID: "b1", StepID: "s1", Status: model.GatePending}
	if err := r.UpsertGate("tenant-a", "b1", gate); err != nil {
		t.Fatalf("UpsertGate failed: %v", err)
	}

	got, err := r.GetGate("tenant-a", "b1", "g1")
	if err != nil {
		t.Fatalf("GetGate failed: %v", err)
	}
	if got.Status != model.GatePending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	gate.Status = model.GateApproved
	if err := r.UpsertGate("tenant-a", "b1", gate); err != nil {
		t.Fatalf("UpsertGate (approve) failed: %v", err)
	}
	got, err = r.GetGate("tenant-a", "b1", "g1")
	if err != nil {
		t.Fatalf("GetGate after approve failed: %v", err)
	}
	if got.Status != model.GateApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
}

func TestDetailCrossTenantNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(model.Build{BuildID: "b1", TenantID: "tenant-a", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Detail("tenant-b", "b1"); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected not_found for cross-tenant detail, got %v", err)
	}
}

func TestDetailSurvivesReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.jsonl")
	r1, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := r1.Register(model.Build{BuildID: "b1", TenantID: "tenant-a", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r1.UpsertStep("tenant-a", "b1", model.Step{StepID: "s1", BuildID: "b1", Status: model.StepSucceeded}); err != nil {
		t.Fatalf("UpsertStep failed: %v", err)
	}
	if err := r1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r2, err := Open(path, 1)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer r2.Close()

	detail, err := r2.Detail("tenant-a", "b1")
	if err != nil {
		t.Fatalf("Detail after reopen failed: %v", err)
	}
	if len(detail.Steps) != 1 || detail.Steps[0].Status != model.StepSucceeded {
		t.Fatalf("expected replayed step to survive, got %+v", detail.Steps)
	}
}
