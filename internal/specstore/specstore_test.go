package specstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specs.jsonl")
	s, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	spec := model.Spec{ID: "spec1", TenantID: "Acme Corp", Title: "t", Mode: model.SpecModeFreeform, CreatedAt: time.Now()}

	stored, err := s.Create(spec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if stored.ID != "spec1" {
		t.Fatalf("unexpected stored spec id: %q", stored.ID)
	}

	got, err := s.Get("Acme Corp", "spec1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "t" {
		t.Errorf("Title = %q, want %q", got.Title, "t")
	}
}

func TestGetCrossTenantReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(model.Spec{ID: "spec1", TenantID: "tenant-a", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := s.Get("tenant-b", "spec1")
	if !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected not_found for cross-tenant get, got %v", err)
	}
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	s := newTestStore(t)
	spec := model.Spec{ID: "spec1", TenantID: "tenant-a", CreatedAt: time.Now()}
	if _, err := s.Create(spec); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := s.Create(spec); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
}

func TestReplayRebuildsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specs.jsonl")
	s1, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s1.Create(model.Spec{ID: "spec1", TenantID: "tenant-a", Title: "original", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(path, 1)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get("tenant-a", "spec1")
	if err != nil {
		t.Fatalf("Get after replay failed: %v", err)
	}
	if got.Title != "original" {
		t.Errorf("Title after replay = %q, want %q", got.Title, "original")
	}
}
