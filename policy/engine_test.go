package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func input(level, action string, approved bool) map[string]interface{} {
	return map[string]interface{}{
		"level":            level,
		"action":           action,
		"approved":         approved,
		"retry_on_failure": false,
		"tokens_used":      0,
		"cost_usd":         0.0,
		"max_tokens":       0,
		"max_cost_usd":     0.0,
	}
}

func TestEngine_Decisions(t *testing.T) {
	ctx := context.Background()
	e, err := NewDefaultEngine(ctx)
	require.NoError(t, err)

	cases := []struct {
		name  string
		in    map[string]interface{}
		allow bool
	}{
		{"creation supervised", input("supervised", "workflowCreation", false), true},
		{"start semi", input("semi", "workflowStart", false), true},
		{"api calls unapproved supervised", input("supervised", "apiCalls", false), false},
		{"api calls approved supervised", input("supervised", "apiCalls", true), true},
		{"api calls autonomous", input("autonomous", "apiCalls", false), true},
		{"auto advance semi", input("semi", "autoAdvance", false), false},
		{"auto advance ultimate", input("ultimate", "autoAdvance", false), true},
		{"retry disabled", input("autonomous", "retry", true), false},
		{"unknown action", input("ultimate", "launchRockets", true), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Evaluate(ctx, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			if !tc.allow {
				assert.NotEmpty(t, d.Reasons)
			}
		})
	}
}

func TestEngine_Retry(t *testing.T) {
	ctx := context.Background()
	e, err := NewDefaultEngine(ctx)
	require.NoError(t, err)

	in := input("semi", "retry", false)
	in["retry_on_failure"] = true
	d, err := e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestEngine_Budget(t *testing.T) {
	ctx := context.Background()
	e, err := NewDefaultEngine(ctx)
	require.NoError(t, err)

	in := input("ultimate", "apiCalls", true)
	in["max_tokens"] = 1000
	in["tokens_used"] = 1000
	d, err := e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "token budget exhausted")

	in["tokens_used"] = 999
	in["max_cost_usd"] = 0.5
	in["cost_usd"] = 0.75
	d, err = e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reasons[0], "cost budget exhausted")
}

func TestNewEngine_InvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package autonomy\n\ndecision = {")
	assert.Error(t, err)
}

func TestEvaluator(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator()
	doc := map[string]interface{}{
		"step_fetch": map[string]interface{}{"count": 5, "status": "ok"},
	}

	ok, err := ev.EvalBool(ctx, "input.step_fetch.count > 3", doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvalBool(ctx, `input.step_fetch.status == "failed"`, doc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.EvalBool(ctx, "input.step_fetch.count > 30", doc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ev.EvalBool(ctx, "input.step_missing.count > 3", doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined")

	_, err = ev.EvalBool(ctx, "input.step_fetch.count > 3; input.step_fetch.stat == \"ok\"", doc)
	assert.Error(t, err)

	ok, err = ev.EvalBool(ctx, "not input.step_missing", doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvalBool(ctx, `object.get(input, ["step_missing", "count"], 0) > 3`, doc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.EvalBool(ctx, "input.step_fetch.count > 3; input.step_fetch.status == \"ok\"", doc)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ev.EvalBool(ctx, "input.step_fetch.count >", doc)
	assert.Error(t, err)

	_, err = ev.EvalBool(ctx, "input.step_fetch.count", doc)
	assert.Error(t, err)

	_, err = ev.EvalBool(ctx, "", doc)
	assert.Error(t, err)
}
