package classifier

import (
	"testing"

	"github.com/forgebase/orchestrator/internal/model"
)

func TestClassifyTransientTimeout(t *testing.T) {
	sig := Classify("deploy", "Error: connection timeout while dialing upstream", nil)
	if sig.Type != model.FailureTransient {
		t.Fatalf("Type = %q, want transient", sig.Type)
	}
	if !sig.CanRetry {
		t.Fatal("expected transient failures to be retryable")
	}
	if sig.RequiresReplan {
		t.Fatal("did not expect replan for a plain transient failure")
	}
}

func TestClassifyTestAssertion(t *testing.T) {
	sig := Classify("test", "AssertionError: expected 200 but got 500\nFAIL: TestWidgetHandler", nil)
	if sig.Type != model.FailureTestAssert {
		t.Fatalf("Type = %q, want test_assert", sig.Type)
	}
	if sig.CanRetry {
		t.Fatal("test assertion failures should not be blindly retried")
	}
}

func TestClassifySQLInjectionIsCriticalSecurity(t *testing.T) {
	sig := Classify("scan", "detected sql injection attack vector in query builder", nil)
	if sig.Type != model.FailureSecurity {
		t.Fatalf("Type = %q, want security", sig.Type)
	}
	if sig.Severity != model.SeverityCritical {
		t.Fatalf("Severity = %q, want critical", sig.Severity)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	sig := Classify("llm_call", "429 too many requests, Retry-After: 30", nil)
	if sig.Type != model.FailureRateLimit {
		t.Fatalf("Type = %q, want rate_limit", sig.Type)
	}
	if !sig.CanRetry {
		t.Fatal("expected rate limit failures to be retryable")
	}
}

func TestClassifyUnknownForGibberish(t *testing.T) {
	sig := Classify("mystery", "xkqj zz flerbnog wobble", nil)
	if sig.Type != model.FailureUnknown {
		t.Fatalf("Type = %q, want unknown", sig.Type)
	}
	if sig.Confidence != 0 {
		t.Fatalf("Confidence = %v, want 0 for unclassified failure", sig.Confidence)
	}
}

func TestClassifyConsecutiveUnknownTriggersReplan(t *testing.T) {
	previous := []model.FailureSignal{
		{Type: model.FailureUnknown},
		{Type: model.FailureUnknown},
	}
	sig := Classify("mystery", "totally unrecognizable output", previous)
	if sig.Type != model.FailureUnknown {
		t.Fatalf("Type = %q, want unknown", sig.Type)
	}
	if !sig.RequiresReplan {
		t.Fatal("expected consecutive unknown failures to require a replan")
	}
	if sig.Source != "classification_rule" {
		t.Fatalf("Source = %q, want classification_rule", sig.Source)
	}
}

func TestClassifyMixedTypesTriggersReplan(t *testing.T) {
	previous := []model.FailureSignal{
		{Type: model.FailureTransient},
		{Type: model.FailureInfra},
		{Type: model.FailureLint},
	}
	sig := Classify("build", "panic: nil pointer dereference", previous)
	if !sig.RequiresReplan {
		t.Fatal("expected mixed failure types across 4 distinct types to require a replan")
	}
	if sig.Type != model.FailureRuntime {
		t.Fatalf("Type = %q, want runtime (mixed_failure_types collapses to runtime)", sig.Type)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	logs := "docker error: container failed to start, deployment failed"
	first := Classify("devops", logs, nil)
	for i := 0; i < 5; i++ {
		again := Classify("devops", logs, nil)
		if again.Type != first.Type || again.Severity != first.Severity ||
			again.CanRetry != first.CanRetry || again.RequiresReplan != first.RequiresReplan ||
			again.Confidence != first.Confidence {
			t.Fatalf("Classify is not deterministic: %+v != %+v", again, first)
		}
	}
}

func TestPatternConfidenceFloorRejectsWeakMatch(t *testing.T) {
	sig := findBestPatternMatch("step", "nothing interesting happened here at all")
	if sig != nil {
		t.Fatalf("expected no pattern match above the confidence floor, got %+v", sig)
	}
}

func TestExtractBackoffHintRetryAfter(t *testing.T) {
	hint, ok := ExtractBackoffHint("HTTP/1.1 429 Too Many Requests\nRetry-After: 45\n")
	if !ok {
		t.Fatal("expected a backoff hint to be extracted")
	}
	if hint.Seconds != 45 {
		t.Fatalf("Seconds = %v, want 45", hint.Seconds)
	}
	if hint.Source != "retry_after_header" {
		t.Fatalf("Source = %q, want retry_after_header", hint.Source)
	}
}

func TestExtractBackoffHintRateLimitReset(t *testing.T) {
	hint, ok := ExtractBackoffHint("X-RateLimit-Reset: 120\n")
	if !ok {
		t.Fatal("expected a backoff hint to be extracted")
	}
	if hint.Seconds != 120 {
		t.Fatalf("Seconds = %v, want 120", hint.Seconds)
	}
	if hint.Source != "rate_limit_reset_header" {
		t.Fatalf("Source = %q, want rate_limit_reset_header", hint.Source)
	}
}

func TestExtractBackoffHintAbsent(t *testing.T) {
	if _, ok := ExtractBackoffHint("build succeeded"); ok {
		t.Fatal("expected no backoff hint for unrelated logs")
	}
}
