// Package autofix selects a remediation strategy for a classified step
// failure: retry with backoff, patch, replan, escalate to a human, or give
// up. The selector is a pure decision table; committing the resulting
// outcome to build state is the orchestrator's job.
package autofix

import (
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgebase/orchestrator/internal/model"
)

// Decision is the auto-fixer's verdict for one failed step attempt.
type Decision struct {
	Outcome        model.AutoFixOutcome
	Strategy       string
	BackoffSeconds float64
	RePlanRequest  *RePlanRequest
}

// RePlanRequest carries the context a replanned outcome hands back to the
// plan parser: why the current graph is being abandoned and what history
// led there.
type RePlanRequest struct {
	Reason  string
	Signals []model.FailureSignal
}

// ruleInput bundles everything a rule might need so adding a new signal
// (like the backoff hint) doesn't change every rule's signature.
type ruleInput struct {
	signal  model.FailureSignal
	retry   model.RetryState
	stepID  string
	history []model.FailureSignal
	hint    *model.BackoffHint
}

// rule is one first-match-wins entry of the spec's eight-rule table.
type rule func(in ruleInput) (Decision, bool)

var rules = []rule{
	ruleCriticalOrHopeless,
	ruleRequiresReplan,
	ruleTotalAttemptsExhausted,
	rulePerStepAttemptsExhausted,
	ruleTransientOrRateLimit,
	rulePatchableCategory,
	ruleSecurityPolicyOrSchemaEscalates,
	ruleGenericPatch,
}

// Select runs the eight-rule table against signal and retry, in order,
// returning the first rule's decision. hint may be nil; it is only
// consulted by the transient/rate_limit retry rule. The final rule always
// matches, so Select always returns a decision.
func Select(signal model.FailureSignal, retry model.RetryState, stepID string, history []model.FailureSignal, hint *model.BackoffHint) Decision {
	in := ruleInput{signal: signal, retry: retry, stepID: stepID, history: history, hint: hint}
	for _, r := range rules {
		if d, ok := r(in); ok {
			return d
		}
	}
	// unreachable: ruleGenericPatch always matches.
	return Decision{Outcome: model.OutcomeGaveUp, Strategy: "no_rule_matched"}
}

// rule 1: signal.severity = critical OR (!can_retry AND !requires_replan).
func ruleCriticalOrHopeless(in ruleInput) (Decision, bool) {
	signal := in.signal
	if signal.Severity == model.SeverityCritical || (!signal.CanRetry && !signal.RequiresReplan) {
		return Decision{Outcome: model.OutcomeGaveUp, Strategy: "critical_or_unrecoverable"}, true
	}
	return Decision{}, false
}

// rule 2: signal.requires_replan.
func ruleRequiresReplan(in ruleInput) (Decision, bool) {
	if in.signal.RequiresReplan {
		return Decision{
			Outcome:  model.OutcomeReplanned,
			Strategy: "replan_from_signal_history",
			RePlanRequest: &RePlanRequest{
				Reason:  in.signal.Message,
				Signals: append(append([]model.FailureSignal{}, in.history...), in.signal),
			},
		}, true
	}
	return Decision{}, false
}

// rule 3: total_attempts >= max_total_attempts.
func ruleTotalAttemptsExhausted(in ruleInput) (Decision, bool) {
	if in.retry.TotalAttempts >= in.retry.MaxTotalAttempts {
		return Decision{Outcome: model.OutcomeEscalated, Strategy: "total_attempts_exhausted"}, true
	}
	return Decision{}, false
}

// rule 4: per_step_attempts[step_id] >= max_per_step_attempts.
func rulePerStepAttemptsExhausted(in ruleInput) (Decision, bool) {
	if in.retry.PerStepAttempts[in.stepID] >= in.retry.MaxPerStepAttempts {
		return Decision{Outcome: model.OutcomeEscalated, Strategy: "per_step_attempts_exhausted"}, true
	}
	return Decision{}, false
}

var transientOrRateLimit = map[model.FailureType]bool{
	model.FailureTransient: true,
	model.FailureRateLimit: true,
}

// rule 5: transient or rate_limit -> retried, backoff from BackoffHint if
// present else exponential min(60, 2^attempt) seconds with +-20% jitter.
func ruleTransientOrRateLimit(in ruleInput) (Decision, bool) {
	if !transientOrRateLimit[in.signal.Type] {
		return Decision{}, false
	}
	backoff := ExponentialBackoffSeconds(in.retry.TotalAttempts)
	if in.hint != nil {
		backoff = clampBackoff(in.hint.Seconds)
	}
	return Decision{
		Outcome:        model.OutcomeRetried,
		Strategy:       "retry_with_backoff",
		BackoffSeconds: backoff,
	}, true
}

func clampBackoff(seconds float64) float64 {
	if seconds < 0 {
		return 0
	}
	if seconds > 60 {
		return 60
	}
	return seconds
}

var patchableCategory = map[model.FailureType]bool{
	model.FailureLint:      true,
	model.FailureTypecheck: true,
}

// rule 6: lint, typecheck, missing_imports, syntax, documentation -> patch
// applied with a category-specific fix generator. missing_imports, syntax,
// and documentation are not modeled as distinct FailureTypes in this
// taxonomy (they fold into lint/typecheck via the classifier's pattern
// table), so this rule checks the two FailureTypes that are.
func rulePatchableCategory(in ruleInput) (Decision, bool) {
	if patchableCategory[in.signal.Type] {
		return Decision{Outcome: model.OutcomePatchApplied, Strategy: "patch_" + string(in.signal.Type)}, true
	}
	return Decision{}, false
}

var escalatingCategory = map[model.FailureType]bool{
	model.FailureSecurity:        true,
	model.FailurePolicy:          true,
	model.FailureSchemaMigration: true,
}

// rule 7: security, policy, schema_migration -> escalated.
func ruleSecurityPolicyOrSchemaEscalates(in ruleInput) (Decision, bool) {
	if escalatingCategory[in.signal.Type] {
		return Decision{Outcome: model.OutcomeEscalated, Strategy: "escalate_" + string(in.signal.Type)}, true
	}
	return Decision{}, false
}

// rule 8: otherwise -> patch_applied (generic category). Always matches.
func ruleGenericPatch(_ ruleInput) (Decision, bool) {
	return Decision{Outcome: model.OutcomePatchApplied, Strategy: "patch_generic"}, true
}

// ExponentialBackoffSeconds computes min(60, 2^attempt) seconds with
// +-20% jitter, the fallback used when a signal carries no BackoffHint.
func ExponentialBackoffSeconds(attempt int) float64 {
	base := math.Min(60, math.Pow(2, float64(attempt)))
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	backoff := base * jitter
	if backoff < 0 {
		backoff = 0
	}
	if backoff > 60 {
		backoff = 60
	}
	return backoff
}

// BreakerManager lazily creates one gobreaker.CircuitBreaker per (build_id,
// step_id), tripping it on gave_up/escalated outcomes so a step that keeps
// losing short-circuits straight to escalated instead of re-running the
// rule table every attempt.
type BreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker[any]
	newFn    func(name string) *gobreaker.CircuitBreaker[any]
}

// NewBreakerManager returns a BreakerManager using the spec's default
// trip threshold: three consecutive failures opens the breaker.
func NewBreakerManager() *BreakerManager {
	return &BreakerManager{
		breakers: map[string]*gobreaker.CircuitBreaker[any]{},
		newFn: func(name string) *gobreaker.CircuitBreaker[any] {
			return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			})
		},
	}
}

func breakerKey(buildID, stepID string) string {
	return buildID + "/" + stepID
}

func (m *BreakerManager) breaker(buildID, stepID string) *gobreaker.CircuitBreaker[any] {
	key := breakerKey(buildID, stepID)
	b, ok := m.breakers[key]
	if !ok {
		b = m.newFn(key)
		m.breakers[key] = b
	}
	return b
}

// IsOpen reports whether the breaker for (buildID, stepID) is open, in
// which case the caller should short-circuit straight to escalated without
// consulting the rule table.
func (m *BreakerManager) IsOpen(buildID, stepID string) bool {
	return m.breaker(buildID, stepID).State() == gobreaker.StateOpen
}

// RecordOutcome feeds a decision's outcome into the breaker: gave_up and
// escalated count as failures, everything else counts as a success.
func (m *BreakerManager) RecordOutcome(buildID, stepID string, outcome model.AutoFixOutcome) {
	b := m.breaker(buildID, stepID)
	_, _ = b.Execute(func() (any, error) {
		if outcome == model.OutcomeGaveUp || outcome == model.OutcomeEscalated {
			return nil, errBreakerFailure
		}
		return nil, nil
	})
}

type breakerError string

func (e breakerError) Error() string { return string(e) }

const errBreakerFailure = breakerError("autofix: step exhausted retry budget")
