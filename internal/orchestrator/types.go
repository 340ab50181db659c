// Package orchestrator drives a Build's task graph to a terminal state: it
// dispatches each TaskNode through the agent pipeline, classifies failures,
// consults the auto-fixer for a remediation strategy, and commits every
// attempt to the build registry. The driving logic is expressed as a
// Temporal workflow (workflow.go), following the same phase-structured
// pattern the teacher's CortexAgentWorkflow uses for its own PLAN -> EXECUTE
// -> REVIEW -> DOD loop, generalized here to walk an arbitrary TaskGraph
// instead of one fixed sequence.
package orchestrator

import (
	"errors"

	"github.com/forgebase/orchestrator/internal/autofix"
	"github.com/forgebase/orchestrator/internal/model"
)

// BuildRequest is a BuildWorkflow execution's input: everything needed to
// load the spec/plan and start driving the graph. Kept small and
// JSON-serializable since Temporal persists workflow inputs in history.
type BuildRequest struct {
	BuildID          string
	TenantID         string
	SpecID           string
	PlanID           string
	IdempotencyKey   string
	MaxIterations    int
	ParallelBranches bool
}

// RunContext is the per-build execution state carried through one workflow
// run, matching the spec's own pseudocode (§4.2) field for field so the
// mapping from spec to code stays obvious.
type RunContext struct {
	Build          model.Build
	Plan           model.Plan
	Iteration      int
	Artifacts      []model.Artifact
	Reports        []model.EvaluationReport
	RetryState     model.RetryState
	FailureSignals []model.FailureSignal
}

// ErrReplan is returned by BuildWorkflow when the auto-fixer chose
// "replanned": the workflow itself does not loop back into a new plan
// version (that would require re-running architect/designer as workflow
// code, which must stay deterministic) — instead it terminates with this
// sentinel, carrying the request the driver needs to produce plan version
// N+1 and start a fresh workflow execution against it, the Go-native
// stand-in for Temporal's ContinueAsNew boundary (spec §9).
var ErrReplan = errors.New("orchestrator: build replanned, restart required")

// ReplanSignal is ErrReplan's payload, extracted from the workflow error via
// errors.As so the driver can read the recommendation without a type
// assertion on a bare error string.
type ReplanSignal struct {
	BuildID string
	Request autofix.RePlanRequest
}

func (e *replanError) Error() string { return ErrReplan.Error() }

func (e *replanError) Unwrap() error { return ErrReplan }

type replanError struct {
	ReplanSignal
}

// NewReplanError wraps a ReplanSignal so workflow code can return it as an
// error while driver code recovers the structured payload with errors.As.
func NewReplanError(sig ReplanSignal) error {
	return &replanError{ReplanSignal: sig}
}

// AsReplanSignal extracts a ReplanSignal from err if it wraps ErrReplan.
func AsReplanSignal(err error) (ReplanSignal, bool) {
	var re *replanError
	if errors.As(err, &re) {
		return re.ReplanSignal, true
	}
	return ReplanSignal{}, false
}

// ErrRejected is returned when a suspended build's approval gate was
// rejected: the workflow's failure-handling subroutine (spec §4.2 step 5,
// "escalated ... On rejected, mark the build failed") ends the run this way
// rather than looping.
var ErrRejected = errors.New("orchestrator: build rejected at approval gate")

// ErrCanceled is returned when a Cancel signal unwound the workflow.
var ErrCanceled = errors.New("orchestrator: build canceled")

// ErrMaxIterationsExceeded is returned when a replan would push Iteration
// past Build.MaxIterations (spec §4.2 "Bounded resource policy").
var ErrMaxIterationsExceeded = errors.New("orchestrator: max_iterations exceeded")
