// Package policy evaluates a rego module before every effect execution.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ChuLiYu/procjournal/internal/dispatch"
)

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Query is the rule the engine evaluates.
const Query = "data.effect_policy.decision"

// Engine is the OPA policy engine. It satisfies dispatch.Guard.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent, a module in package effect_policy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("effect_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Load reads a policy file.
func Load(ctx context.Context, path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate runs the policy. The rule may produce a string decision or an object
// {"decision": ..., "reason": ...}. No result means allow.
func (e *Engine) Evaluate(ctx context.Context, input any) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy object has no decision")
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("policy returned unexpected type %T", v)
	}
}

// Allow implements dispatch.Guard. Anything other than "allow" blocks.
func (e *Engine) Allow(ctx context.Context, req dispatch.Request) (bool, string, error) {
	decision, reason, err := e.Evaluate(ctx, Input(req))
	if err != nil {
		return false, "", err
	}
	if decision == DecisionAllow {
		return true, "", nil
	}
	if reason == "" {
		reason = fmt.Sprintf("policy decision %q for %s effect %s", decision, req.Kind, req.TaskID)
	}
	return false, reason, nil
}

// Input is the document a policy sees as `input`.
func Input(req dispatch.Request) map[string]any {
	return map[string]any{
		"run_id":     string(req.RunID),
		"effect_id":  string(req.EffectID),
		"task_id":    req.TaskID,
		"kind":       req.Kind,
		"label":      req.Label,
		"definition": decode(req.Def),
		"inputs":     decode(req.Inputs),
	}
}

func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// DefaultPolicy allows everything except shell commands that look destructive.
const DefaultPolicy = `
package effect_policy

import rego.v1

default decision := "allow"

decision := {"decision": "block", "reason": "destructive shell command"} if {
	input.kind == "shell"
	contains(input.definition.command, "rm -rf /")
}
`
