// Package agentpipeline implements the staged, multi-role execution model
// that turns a TaskNode into artifacts: architect, designer, security,
// codegen, evaluator, auto_fixer, devops, and reviewer agents, each sharing
// one capability contract and dispatched through a task_type → stage
// sequence table.
package agentpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/forgebase/orchestrator/internal/model"
)

// Role identifies one of the pipeline's agent variants.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleDesigner  Role = "designer"
	RoleSecurity  Role = "security"
	RoleCodegen   Role = "codegen"
	RoleEvaluator Role = "evaluator"
	RoleAutoFixer Role = "auto_fixer"
	RoleDevOps    Role = "devops"
	RoleReviewer  Role = "reviewer"
)

// Inputs carries a stage's view of the build so far: the task it's
// executing and whatever artifacts earlier stages in this chain produced.
type Inputs struct {
	Task      model.TaskNode
	Artifacts []model.Artifact
	Report    *model.EvaluationReport
}

// Outputs is one stage's immutable contribution: it never mutates the
// Inputs it received.
type Outputs struct {
	Artifacts []model.Artifact
	Report    *model.EvaluationReport
	Signal    *model.FailureSignal
}

// Span records one agent invocation for RunContext.Spans: the role,
// action, a hash of inputs and outputs, and how long it took. Hashing
// rather than storing raw content keeps spans small and diff-stable.
type Span struct {
	AgentRole  Role
	Action     string
	InputsHash string
	OutputHash string
	ElapsedMS  int64
}

// Agent is the capability contract every Role variant implements.
type Agent interface {
	Execute(ctx context.Context, action string, in Inputs, rc *RunContext) (Outputs, error)
}

// RunContext is per-build execution state threaded through a pipeline run:
// the build's ID and the accumulating span trail.
type RunContext struct {
	BuildID string
	Spans   []Span
}

// Registry is the map[Role]Agent dispatch table built once at startup.
type Registry struct {
	agents map[Role]Agent
}

// NewRegistry wires the default agent set. Each argument is optional
// (nil-safe): callers that don't need the security or devops stage (e.g. a
// unit test driving only codegen+evaluator) can pass nil.
func NewRegistry(security *SecurityAgent, devops *DevOpsAgent) *Registry {
	r := &Registry{agents: map[Role]Agent{
		RoleArchitect: ArchitectAgent{},
		RoleDesigner:  DesignerAgent{},
		RoleCodegen:   CodegenAgent{},
		RoleEvaluator: EvaluatorAgent{},
		RoleAutoFixer: AutoFixerAgent{},
		RoleReviewer:  ReviewerAgent{},
	}}
	if security != nil {
		r.agents[RoleSecurity] = security
	}
	if devops != nil {
		r.agents[RoleDevOps] = devops
	}
	return r
}

// Agent returns the registered agent for role, or false if none is wired.
func (r *Registry) Agent(role Role) (Agent, bool) {
	a, ok := r.agents[role]
	return a, ok
}

// RunStage executes role's Execute and appends a Span to rc, recording
// elapsed time and content hashes regardless of whether the stage
// succeeded.
func (r *Registry) RunStage(ctx context.Context, role Role, action string, in Inputs, rc *RunContext) (Outputs, error) {
	agent, ok := r.agents[role]
	if !ok {
		return Outputs{}, fmt.Errorf("agentpipeline: no agent registered for role %q", role)
	}

	start := time.Now()
	out, err := agent.Execute(ctx, action, in, rc)
	elapsed := time.Since(start)

	span := Span{
		AgentRole:  role,
		Action:     action,
		InputsHash: hashInputs(in),
		OutputHash: hashOutputs(out),
		ElapsedMS:  elapsed.Milliseconds(),
	}
	rc.Spans = append(rc.Spans, span)

	return out, err
}

func hashInputs(in Inputs) string {
	h := sha256.New()
	h.Write([]byte(in.Task.TaskID))
	h.Write([]byte(in.Task.Content))
	for _, a := range in.Artifacts {
		h.Write(a.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashOutputs(out Outputs) string {
	h := sha256.New()
	for _, a := range out.Artifacts {
		h.Write(a.Content)
	}
	if out.Signal != nil {
		h.Write([]byte(out.Signal.Type))
	}
	return hex.EncodeToString(h.Sum(nil))
}
