package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the result of an autonomy policy evaluation.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.autonomy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.autonomy.decision"),
		rego.Module("autonomy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine with AutonomyModule.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, AutonomyModule)
}

// Evaluate checks whether an action is allowed.
// Input keys: level, action, approved, retry_on_failure, tokens_used, cost_usd, max_tokens, max_cost_usd.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reasons: []string{"policy produced no decision"}}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}

	var d Decision
	d.Allow, _ = obj["allow"].(bool)
	if raw, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	sort.Strings(d.Reasons)
	return d, nil
}

// AutonomyModule is the default autonomy gate.
const AutonomyModule = `
package autonomy

default allow = false

auto_levels = {"autonomous", "ultimate"}

known_actions = {"workflowCreation", "workflowStart", "apiCalls", "retry", "autoAdvance"}

allow {
	input.action == "workflowCreation"
	within_budget
}

allow {
	input.action == "workflowStart"
	within_budget
}

allow {
	input.action == "apiCalls"
	approved_or_auto
	within_budget
}

allow {
	input.action == "retry"
	input.retry_on_failure == true
	within_budget
}

allow {
	input.action == "autoAdvance"
	auto_levels[input.level]
	within_budget
}

approved_or_auto {
	input.approved == true
}

approved_or_auto {
	auto_levels[input.level]
}

over_tokens {
	input.max_tokens > 0
	input.tokens_used >= input.max_tokens
}

over_cost {
	input.max_cost_usd > 0
	input.cost_usd >= input.max_cost_usd
}

within_budget {
	not over_tokens
	not over_cost
}

reasons[msg] {
	over_tokens
	msg := sprintf("token budget exhausted (%v of %v)", [input.tokens_used, input.max_tokens])
}

reasons[msg] {
	over_cost
	msg := sprintf("cost budget exhausted (%v of %v USD)", [input.cost_usd, input.max_cost_usd])
}

reasons[msg] {
	input.action == "apiCalls"
	not approved_or_auto
	msg := "explicit approval required before external calls"
}

reasons[msg] {
	input.action == "retry"
	not input.retry_on_failure
	msg := "retry on failure is disabled"
}

reasons[msg] {
	input.action == "autoAdvance"
	not auto_levels[input.level]
	msg := sprintf("level %v requires explicit approval", [input.level])
}

reasons[msg] {
	not known_actions[input.action]
	msg := sprintf("unknown action %v", [input.action])
}

decision = {"allow": allow, "reasons": reasons}
`
