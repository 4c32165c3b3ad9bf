package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/flowrun/internal/adapter/integration"
	"github.com/xiaot623/flowrun/internal/autonomy"
	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/resolver"
	"github.com/xiaot623/flowrun/policy"
)

func newGate(t *testing.T, cfg autonomy.Config) *autonomy.Policy {
	t.Helper()
	pe, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	return autonomy.New(cfg, pe)
}

func newTestEngine(reg *integration.Registry, cfg Config) *Engine {
	res := resolver.New(catalog.New(catalog.Seed()...), nil, 0)
	return New(res, reg, policy.NewEvaluator(), cfg)
}

func TestRunStep_Trigger(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})
	res := e.RunStep(context.Background(), domain.Step{ID: "t", Kind: domain.StepKindTrigger}, StepContext{Input: map[string]interface{}{"q": 1}})
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"q": 1}, out["payload"])
	assert.NotEmpty(t, out["timestamp"])
	require.NotNil(t, res.StartedAt)
	require.NotNil(t, res.EndedAt)
}

func TestRunStep_ActionSuccessPricesTokens(t *testing.T) {
	reg := integration.NewRegistry()
	reg.MustRegister("ai-agent", integration.AdapterFunc(func(ctx context.Context, target string, cfg, rc map[string]interface{}) (integration.Result, error) {
		return integration.Result{Output: "done", TokensUsed: 2000}, nil
	}))
	e := newTestEngine(reg, Config{CostPer1KTokens: 0.01})

	res := e.RunStep(context.Background(), domain.Step{ID: "a", Kind: domain.StepKindAction, Target: "ai-agent"}, StepContext{})
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 2000, res.TokensUsed)
	assert.InDelta(t, 0.02, res.CostUSD, 1e-9)
	assert.Nil(t, res.Resolution)
}

func TestRunStep_ActionUnsupported(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})

	res := e.RunStep(context.Background(), domain.Step{ID: "x", Kind: domain.StepKindAction, Target: "unknown_tool_xyz"}, StepContext{})
	assert.Equal(t, domain.StepStatusError, res.Status)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, domain.ResolutionUnsupported, res.Resolution.Level)
	assert.Equal(t, res.Resolution.Message, res.Error)

	skip := domain.Step{ID: "x", Kind: domain.StepKindAction, Target: "unknown_tool_xyz", Config: map[string]interface{}{"on_unsupported": "skip"}}
	res = e.RunStep(context.Background(), skip, StepContext{})
	assert.Equal(t, domain.StepStatusSkipped, res.Status)
	assert.Equal(t, domain.SkipReasonUnsupportedTool, res.SkipReason)
	assert.NotEmpty(t, res.Warnings)
}

func TestRunStep_ActionErrorWithoutGateDoesNotRetry(t *testing.T) {
	var calls int32
	reg := integration.NewRegistry()
	reg.MustRegister("slack", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		atomic.AddInt32(&calls, 1)
		return integration.Result{}, errors.New("channel_not_found")
	}))
	e := newTestEngine(reg, Config{})

	res := e.RunStep(context.Background(), domain.Step{ID: "s", Kind: domain.StepKindAction, Target: "slack"}, StepContext{})
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "channel_not_found")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, res.RetryCount)
}

func TestRunStep_RetryThenSuccess(t *testing.T) {
	var calls int32
	reg := integration.NewRegistry()
	reg.MustRegister("gmail", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return integration.Result{}, errors.New("transient")
		}
		return integration.Result{Output: "sent"}, nil
	}))
	e := newTestEngine(reg, Config{})
	e.sleep = func(context.Context, <-chan struct{}, time.Duration) bool { return true }

	gate := newGate(t, autonomy.ConfigFor(domain.AutonomyAutonomous))
	res := e.RunStep(context.Background(), domain.Step{ID: "g", Kind: domain.StepKindAction, Target: "gmail"}, StepContext{Gate: gate})
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, 0, gate.ConsecutiveFailures())
}

// A step that times out three times under retryOnFailure with maxRetries=2 is
// retried exactly twice with growing backoff and then marked as an error.
func TestRunStep_TimeoutRetriesExhausted(t *testing.T) {
	var calls int32
	reg := integration.NewRegistry()
	reg.MustRegister("http", integration.AdapterFunc(func(ctx context.Context, _ string, _ map[string]interface{}, _ map[string]interface{}) (integration.Result, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return integration.Result{}, ctx.Err()
	}))
	e := newTestEngine(reg, Config{StepTimeout: 20 * time.Millisecond})

	var delays []time.Duration
	e.sleep = func(_ context.Context, _ <-chan struct{}, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}

	gate := newGate(t, autonomy.Config{
		Level:          domain.AutonomyAutonomous,
		AutoApprove:    true,
		RetryOnFailure: true,
		MaxRetries:     2,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       time.Second,
	})

	res := e.RunStep(context.Background(), domain.Step{ID: "h", Kind: domain.StepKindAction, Target: "http"}, StepContext{Gate: gate})
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, 2, res.RetryCount)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Len(t, delays, 2)
	assert.Less(t, delays[0], delays[1])
}

func TestRunStep_RetryCancelledByStop(t *testing.T) {
	reg := integration.NewRegistry()
	reg.MustRegister("gmail", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		return integration.Result{}, errors.New("down")
	}))
	e := newTestEngine(reg, Config{})

	stop := make(chan struct{})
	close(stop)
	gate := newGate(t, autonomy.Config{Level: domain.AutonomyUltimate, AutoApprove: true, RetryOnFailure: true, MaxRetries: 3, BaseDelay: time.Hour})

	res := e.RunStep(context.Background(), domain.Step{ID: "g", Kind: domain.StepKindAction, Target: "gmail"}, StepContext{Gate: gate, Stop: stop})
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Equal(t, 0, res.RetryCount)
	assert.Contains(t, res.Warnings, "retry cancelled")
}

func TestRunStep_StepTimeoutOverride(t *testing.T) {
	reg := integration.NewRegistry()
	reg.MustRegister("http", integration.AdapterFunc(func(ctx context.Context, _ string, _ map[string]interface{}, _ map[string]interface{}) (integration.Result, error) {
		select {
		case <-time.After(time.Second):
			return integration.Result{Output: "late"}, nil
		case <-ctx.Done():
			return integration.Result{}, ctx.Err()
		}
	}))
	e := newTestEngine(reg, Config{StepTimeout: time.Minute})

	step := domain.Step{ID: "h", Kind: domain.StepKindAction, Target: "http", Config: map[string]interface{}{"timeout_ms": float64(10)}}
	res := e.RunStep(context.Background(), step, StepContext{})
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "timeout")
}

func TestRunStep_Condition(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})
	sc := StepContext{Context: map[string]interface{}{"step_fetch": map[string]interface{}{"count": 7}}}

	res := e.RunStep(context.Background(), domain.Step{ID: "c", Kind: domain.StepKindCondition, Config: map[string]interface{}{"expression": "input.step_fetch.count > 5"}}, sc)
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	assert.Equal(t, map[string]interface{}{"result": true, "branch": "true"}, res.Output)

	res = e.RunStep(context.Background(), domain.Step{ID: "c", Kind: domain.StepKindCondition, Config: map[string]interface{}{"expression": "input.step_fetch.count > 50"}}, sc)
	assert.Equal(t, map[string]interface{}{"result": false, "branch": "false"}, res.Output)

	res = e.RunStep(context.Background(), domain.Step{ID: "c", Kind: domain.StepKindCondition, Config: map[string]interface{}{"expression": "input.step_fetch.count >>"}}, sc)
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "invalid condition")

	res = e.RunStep(context.Background(), domain.Step{ID: "c", Kind: domain.StepKindCondition}, sc)
	assert.Equal(t, domain.StepStatusError, res.Status)
}

func TestRunStep_ConditionMisspelledReference(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})
	sc := StepContext{Context: map[string]interface{}{"step_fetch": map[string]interface{}{"count": 7}}}

	res := e.RunStep(context.Background(), domain.Step{ID: "c", Kind: domain.StepKindCondition, Config: map[string]interface{}{"expression": "input.step_fetsh.count > 5"}}, sc)
	assert.Equal(t, domain.StepStatusError, res.Status)
	assert.Contains(t, res.Error, "undefined")
	assert.Nil(t, res.Output)
}

func TestRunStep_Output(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})
	sc := StepContext{Context: map[string]interface{}{
		"input":     "hello",
		"step_a":    map[string]interface{}{"n": 1},
		"step_b":    "text",
		"variables": map[string]interface{}{},
	}}

	res := e.RunStep(context.Background(), domain.Step{ID: "o", Kind: domain.StepKindOutput}, sc)
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	assert.Equal(t, sc.Context, res.Output)
	assert.Empty(t, res.Warnings)

	res = e.RunStep(context.Background(), domain.Step{ID: "o", Kind: domain.StepKindOutput, Config: map[string]interface{}{"format": "text"}}, sc)
	assert.Contains(t, res.Output, `step_a: {"n":1}`)

	res = e.RunStep(context.Background(), domain.Step{ID: "o", Kind: domain.StepKindOutput, Config: map[string]interface{}{"format": "summary"}}, sc)
	summary := res.Output.(map[string]interface{})
	assert.Equal(t, 2, summary["stepCount"])
	assert.Equal(t, []string{"a", "b"}, summary["steps"])

	res = e.RunStep(context.Background(), domain.Step{ID: "o", Kind: domain.StepKindOutput, Config: map[string]interface{}{"format": "xml"}}, sc)
	assert.Equal(t, domain.StepStatusSuccess, res.Status)
	assert.Equal(t, sc.Context, res.Output)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "xml")
}

func TestRunStep_UnknownKind(t *testing.T) {
	e := newTestEngine(integration.NewRegistry(), Config{})
	res := e.RunStep(context.Background(), domain.Step{ID: "z", Kind: "teleport"}, StepContext{})
	assert.Equal(t, domain.StepStatusError, res.Status)
}
