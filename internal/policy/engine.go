// Package policy evaluates admission rules for requests from
// out-of-process pipeline stages.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decisions returned by a policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions evaluated by the internal API.
const (
	ActionEmit      = "emit"
	ActionReport    = "report"
	ActionTerminate = "terminate"
)

// Input is the document a policy decides on.
type Input struct {
	Action   string `json:"action"`
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define data.runstream.admission.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.runstream.admission.decision"),
		rego.Module("admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load creates an engine from a policy file, or from DefaultPolicy when
// path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate decides on input. The rule may produce a bare decision string
// or an object {"decision": ..., "reason": ...}. Anything else denies.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "policy produced no decision"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Allowed: v == DecisionAllow}, nil
	case map[string]interface{}:
		d, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		return Decision{Allowed: d == DecisionAllow, Reason: reason}, nil
	default:
		return Decision{Reason: fmt.Sprintf("unexpected decision type %T", v)}, nil
	}
}

// DefaultPolicy admits every request except attempts to impersonate the
// report publisher through the event endpoint.
const DefaultPolicy = `
package runstream.admission

default decision := "allow"

decision := {"decision": "deny", "reason": "source id is reserved for reports"} if {
	input.action == "emit"
	input.source_id == "report"
}
`
