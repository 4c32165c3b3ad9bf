package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// Evaluator evaluates boolean rego expressions against a JSON-like input document.
// Prepared queries are cached per expression.
type Evaluator struct {
	mu       sync.RWMutex
	prepared map[string]rego.PreparedEvalQuery
}

// NewEvaluator creates an expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{prepared: make(map[string]rego.PreparedEvalQuery)}
}

// conditionVar receives the value of each conjunct.
const conditionVar = "flowrun_result"

// EvalBool evaluates expr with input bound to the rego input document.
// Conjuncts separated by ";" or newlines must all hold. A conjunct that refers
// to something missing from input is an error, as are parse errors and
// non-boolean values. Negated conjuncts keep rego's meaning: "not x" holds
// when x is undefined.
func (e *Evaluator) EvalBool(ctx context.Context, expr string, input interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty expression")
	}

	body, err := ast.ParseBody(expr)
	if err != nil {
		return false, fmt.Errorf("invalid expression %q: %w", expr, err)
	}

	for _, conjunct := range body {
		ok, err := e.evalConjunct(ctx, conjunct, input)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evalConjunct(ctx context.Context, conjunct *ast.Expr, input interface{}) (bool, error) {
	text := conjunct.String()

	if conjunct.Negated {
		query, err := e.prepare(ctx, text)
		if err != nil {
			return false, err
		}
		results, err := query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return false, fmt.Errorf("failed to evaluate expression: %w", err)
		}
		return len(results) > 0, nil
	}

	// Binding the conjunct keeps a false comparison apart from an undefined one.
	query, err := e.prepare(ctx, conditionVar+" := "+text)
	if err != nil {
		return false, err
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	if len(results) == 0 {
		return false, fmt.Errorf("expression %q is undefined against the run context", text)
	}

	v := results[0].Bindings[conditionVar]
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q yielded %T, not a boolean", text, v)
	}
	return b, nil
}

func (e *Evaluator) prepare(ctx context.Context, expr string) (rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	q, ok := e.prepared[expr]
	e.mu.RUnlock()
	if ok {
		return q, nil
	}

	q, err := rego.New(rego.Query(expr)).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("invalid expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.prepared[expr] = q
	e.mu.Unlock()
	return q, nil
}
