package autofix

import (
	"testing"

	"github.com/forgebase/orchestrator/internal/model"
)

func retryState() model.RetryState {
	return model.RetryState{
		MaxTotalAttempts:   6,
		PerStepAttempts:    map[string]int{},
		MaxPerStepAttempts: 3,
	}
}

func TestSelectCriticalGivesUp(t *testing.T) {
	d := Select(model.FailureSignal{Severity: model.SeverityCritical}, retryState(), "step1", nil, nil)
	if d.Outcome != model.OutcomeGaveUp {
		t.Fatalf("Outcome = %q, want gave_up", d.Outcome)
	}
}

func TestSelectUnrecoverableGivesUp(t *testing.T) {
	signal := model.FailureSignal{Severity: model.SeverityMedium, CanRetry: false, RequiresReplan: false}
	d := Select(signal, retryState(), "step1", nil, nil)
	if d.Outcome != model.OutcomeGaveUp {
		t.Fatalf("Outcome = %q, want gave_up", d.Outcome)
	}
}

func TestSelectRequiresReplan(t *testing.T) {
	signal := model.FailureSignal{RequiresReplan: true, Message: "mixed failure types"}
	history := []model.FailureSignal{{Type: model.FailureLint}}
	d := Select(signal, retryState(), "step1", history, nil)
	if d.Outcome != model.OutcomeReplanned {
		t.Fatalf("Outcome = %q, want replanned", d.Outcome)
	}
	if d.RePlanRequest == nil || len(d.RePlanRequest.Signals) != 2 {
		t.Fatalf("expected a replan request carrying history+signal, got %+v", d.RePlanRequest)
	}
}

func TestSelectTotalAttemptsExhaustedEscalates(t *testing.T) {
	retry := retryState()
	retry.TotalAttempts = retry.MaxTotalAttempts
	d := Select(model.FailureSignal{Type: model.FailureTransient, CanRetry: true}, retry, "step1", nil, nil)
	if d.Outcome != model.OutcomeEscalated {
		t.Fatalf("Outcome = %q, want escalated", d.Outcome)
	}
	if d.Strategy != "total_attempts_exhausted" {
		t.Fatalf("Strategy = %q, want total_attempts_exhausted", d.Strategy)
	}
}

func TestSelectPerStepAttemptsExhaustedEscalates(t *testing.T) {
	retry := retryState()
	retry.PerStepAttempts["step1"] = 3
	d := Select(model.FailureSignal{Type: model.FailureTransient, CanRetry: true}, retry, "step1", nil, nil)
	if d.Outcome != model.OutcomeEscalated {
		t.Fatalf("Outcome = %q, want escalated", d.Outcome)
	}
	if d.Strategy != "per_step_attempts_exhausted" {
		t.Fatalf("Strategy = %q, want per_step_attempts_exhausted", d.Strategy)
	}
}

func TestSelectPerStepAttemptsDoNotLeakAcrossSteps(t *testing.T) {
	retry := retryState()
	retry.PerStepAttempts["step1"] = 3
	d := Select(model.FailureSignal{Type: model.FailureTransient, CanRetry: true}, retry, "step2", nil, nil)
	if d.Outcome != model.OutcomeRetried {
		t.Fatalf("Outcome = %q, want retried (step2 has no attempts recorded)", d.Outcome)
	}
}

func TestSelectTransientRetriesWithExponentialBackoff(t *testing.T) {
	retry := retryState()
	retry.TotalAttempts = 2
	d := Select(model.FailureSignal{Type: model.FailureTransient, CanRetry: true}, retry, "step1", nil, nil)
	if d.Outcome != model.OutcomeRetried {
		t.Fatalf("Outcome = %q, want retried", d.Outcome)
	}
	if d.BackoffSeconds < 0 || d.BackoffSeconds > 60 {
		t.Fatalf("BackoffSeconds = %v, want within [0,60]", d.BackoffSeconds)
	}
}

func TestSelectRateLimitHonorsBackoffHint(t *testing.T) {
	hint := &model.BackoffHint{Seconds: 45, Source: "retry_after_header"}
	d := Select(model.FailureSignal{Type: model.FailureRateLimit, CanRetry: true}, retryState(), "step1", nil, hint)
	if d.Outcome != model.OutcomeRetried {
		t.Fatalf("Outcome = %q, want retried", d.Outcome)
	}
	if d.BackoffSeconds != 45 {
		t.Fatalf("BackoffSeconds = %v, want 45 (from hint)", d.BackoffSeconds)
	}
}

func TestSelectBackoffHintIsClamped(t *testing.T) {
	hint := &model.BackoffHint{Seconds: 600, Source: "retry_after_header"}
	d := Select(model.FailureSignal{Type: model.FailureRateLimit, CanRetry: true}, retryState(), "step1", nil, hint)
	if d.BackoffSeconds != 60 {
		t.Fatalf("BackoffSeconds = %v, want clamped to 60", d.BackoffSeconds)
	}
}

func TestSelectLintAndTypecheckPatch(t *testing.T) {
	for _, ft := range []model.FailureType{model.FailureLint, model.FailureTypecheck} {
		d := Select(model.FailureSignal{Type: ft, CanRetry: false}, retryState(), "step1", nil, nil)
		if d.Outcome != model.OutcomePatchApplied {
			t.Fatalf("Type %q: Outcome = %q, want patch_applied", ft, d.Outcome)
		}
	}
}

func TestSelectSecurityPolicySchemaEscalate(t *testing.T) {
	for _, ft := range []model.FailureType{model.FailureSecurity, model.FailurePolicy, model.FailureSchemaMigration} {
		d := Select(model.FailureSignal{Type: ft, CanRetry: false, Severity: model.SeverityHigh}, retryState(), "step1", nil, nil)
		if d.Outcome != model.OutcomeEscalated {
			t.Fatalf("Type %q: Outcome = %q, want escalated", ft, d.Outcome)
		}
	}
}

func TestSelectGenericFallsBackToPatch(t *testing.T) {
	d := Select(model.FailureSignal{Type: model.FailureUnknown, CanRetry: true}, retryState(), "step1", nil, nil)
	if d.Outcome != model.OutcomePatchApplied {
		t.Fatalf("Outcome = %q, want patch_applied", d.Outcome)
	}
	if d.Strategy != "patch_generic" {
		t.Fatalf("Strategy = %q, want patch_generic", d.Strategy)
	}
}

func TestRuleOrderCriticalBeatsReplan(t *testing.T) {
	signal := model.FailureSignal{Severity: model.SeverityCritical, RequiresReplan: true}
	d := Select(signal, retryState(), "step1", nil, nil)
	if d.Outcome != model.OutcomeGaveUp {
		t.Fatalf("Outcome = %q, want gave_up (rule 1 precedes rule 2)", d.Outcome)
	}
}

func TestBreakerManagerOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewBreakerManager()
	if m.IsOpen("b1", "s1") {
		t.Fatal("fresh breaker should not be open")
	}
	for i := 0; i < 3; i++ {
		m.RecordOutcome("b1", "s1", model.OutcomeEscalated)
	}
	if !m.IsOpen("b1", "s1") {
		t.Fatal("expected breaker to open after 3 consecutive escalations")
	}
}

func TestBreakerManagerIsolatedPerStep(t *testing.T) {
	m := NewBreakerManager()
	for i := 0; i < 3; i++ {
		m.RecordOutcome("b1", "s1", model.OutcomeGaveUp)
	}
	if m.IsOpen("b1", "s2") {
		t.Fatal("breaker state should not leak across step IDs")
	}
}

func TestBreakerManagerSuccessDoesNotOpen(t *testing.T) {
	m := NewBreakerManager()
	for i := 0; i < 5; i++ {
		m.RecordOutcome("b1", "s1", model.OutcomeRetried)
	}
	if m.IsOpen("b1", "s1") {
		t.Fatal("breaker should stay closed on non-failure outcomes")
	}
}
