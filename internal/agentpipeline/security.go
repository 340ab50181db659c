package agentpipeline

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/forgebase/orchestrator/internal/model"
)

//go:embed policy/agent_output.rego
var securityPolicy string

// SecurityAgent evaluates candidate artifact content against an embedded
// Rego policy bundle. A deny produces a policy FailureSignal rather than an
// error. The orchestrator runs this stage only in its once-per-build
// full-plan pass, where such a signal is logged and is not passed to the
// auto-fixer.
type SecurityAgent struct {
	query rego.PreparedEvalQuery
}

// NewSecurityAgent prepares the embedded policy once at startup.
func NewSecurityAgent(ctx context.Context) (*SecurityAgent, error) {
	q, err := rego.New(
		rego.Query("data.forge.agentoutput.deny"),
		rego.Module("agent_output.rego", securityPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentpipeline: preparing security policy: %w", err)
	}
	return &SecurityAgent{query: q}, nil
}

func (s *SecurityAgent) Execute(ctx context.Context, _ string, in Inputs, _ *RunContext) (Outputs, error) {
	input := map[string]any{
		"path":    targetPath(in.Task),
		"content": in.Task.Content,
	}
	for _, a := range in.Artifacts {
		input["path"] = a.Path
		input["content"] = string(a.Content)
	}

	rs, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Outputs{}, fmt.Errorf("agentpipeline: evaluating security policy: %w", err)
	}

	denials := extractDenials(rs)
	if len(denials) == 0 {
		return Outputs{}, nil
	}

	return Outputs{Signal: &model.FailureSignal{
		Type:     model.FailurePolicy,
		Source:   "security_stage",
		Message:  denials[0],
		Severity: model.SeverityHigh,
		CanRetry: false,
		Evidence: map[string]string{"denial_count": fmt.Sprint(len(denials))},
	}}, nil
}

func extractDenials(rs rego.ResultSet) []string {
	var denials []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				if s, ok := item.(string); ok {
					denials = append(denials, s)
				}
			}
		}
	}
	return denials
}
