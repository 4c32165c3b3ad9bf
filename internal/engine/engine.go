// Package engine runs individual workflow steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/flowrun/internal/adapter/integration"
	"github.com/xiaot623/flowrun/internal/autonomy"
	"github.com/xiaot623/flowrun/internal/domain"
)

// DefaultStepTimeout applies when neither the engine config nor the step sets one.
const DefaultStepTimeout = 30 * time.Second

// Resolver resolves step targets.
type Resolver interface {
	Resolve(requested string) domain.ToolResolution
}

// Invoker dispatches integration calls.
type Invoker interface {
	Invoke(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (integration.Result, error)
}

// ConditionEvaluator evaluates condition expressions.
type ConditionEvaluator interface {
	EvalBool(ctx context.Context, expr string, input interface{}) (bool, error)
}

// Config holds engine settings.
type Config struct {
	StepTimeout     time.Duration
	CostPer1KTokens float64
}

// StepContext is what a step sees of its run.
type StepContext struct {
	RunID string
	Input interface{}
	// Context is a read-only snapshot of the accumulated run context.
	Context map[string]interface{}
	// Gate is the step's autonomy policy fork. Nil disables retries.
	Gate *autonomy.Policy
	// Stop is closed when the run is cancelled; it interrupts retry backoff.
	Stop <-chan struct{}
}

// Engine executes steps by kind.
type Engine struct {
	resolver   Resolver
	invoker    Invoker
	conditions ConditionEvaluator
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool
}

// New creates an engine.
func New(resolver Resolver, invoker Invoker, conditions ConditionEvaluator, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Engine{
		resolver:   resolver,
		invoker:    invoker,
		conditions: conditions,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleep,
	}
}

// RunStep executes one step and returns its terminal result. Step failures are
// recorded on the result, never returned.
func (e *Engine) RunStep(ctx context.Context, step domain.Step, sc StepContext) domain.StepResult {
	started := e.now()
	res := domain.StepResult{
		StepID:    step.ID,
		Status:    domain.StepStatusRunning,
		StartedAt: &started,
	}

	switch step.Kind {
	case domain.StepKindTrigger:
		e.runTrigger(&res, sc)
	case domain.StepKindAction:
		e.runAction(ctx, step, sc, &res)
	case domain.StepKindCondition:
		e.runCondition(ctx, step, sc, &res)
	case domain.StepKindOutput:
		e.runOutput(step, sc, &res)
	default:
		res.Status = domain.StepStatusError
		res.Error = fmt.Sprintf("unknown step kind %q", step.Kind)
	}

	ended := e.now()
	res.EndedAt = &ended
	return res
}

func (e *Engine) runTrigger(res *domain.StepResult, sc StepContext) {
	res.Status = domain.StepStatusSuccess
	res.Output = map[string]interface{}{
		"payload":   sc.Input,
		"timestamp": e.now().UTC().Format(time.RFC3339Nano),
	}
}

func (e *Engine) runAction(ctx context.Context, step domain.Step, sc StepContext, res *domain.StepResult) {
	resolution := e.resolver.Resolve(step.Target)
	if resolution.Level != domain.ResolutionNative {
		res.Resolution = &resolution
	}
	if !resolution.Supported() {
		if step.ConfigString("on_unsupported") == "skip" {
			res.Status = domain.StepStatusSkipped
			res.SkipReason = domain.SkipReasonUnsupportedTool
			res.Warnings = append(res.Warnings, resolution.Message)
			return
		}
		res.Status = domain.StepStatusError
		res.Error = resolution.Message
		return
	}

	timeout := e.stepTimeout(step)
	retry := sc.Gate != nil && configBool(step.Config, "retry", true)

	for {
		out, err := e.invoke(ctx, step, sc, timeout)
		if err == nil {
			if sc.Gate != nil {
				sc.Gate.ResetFailures()
			}
			res.Status = domain.StepStatusSuccess
			res.Output = out.Output
			res.TokensUsed += max(out.TokensUsed, 0)
			cost := out.CostUSD
			if cost <= 0 && out.TokensUsed > 0 {
				cost = float64(out.TokensUsed) / 1000 * e.cfg.CostPer1KTokens
			}
			res.CostUSD += max(cost, 0)
			return
		}

		res.Status = domain.StepStatusError
		res.Error = err.Error()

		if !retry || ctx.Err() != nil {
			return
		}
		sc.Gate.RecordFailure()
		if err := sc.Gate.Check(ctx, autonomy.ActionRetry); err != nil {
			if sc.Gate.Config().RetryOnFailure {
				res.Warnings = append(res.Warnings, err.Error())
			}
			return
		}
		if !sc.Gate.ShouldAutoRetry() {
			return
		}

		delay := sc.Gate.GetRetryDelay()
		log.Printf("INFO: run %s step %s failed (%v), retrying in %s", sc.RunID, step.ID, err, delay)
		if !e.sleep(ctx, sc.Stop, delay) {
			res.Warnings = append(res.Warnings, "retry cancelled")
			return
		}
		res.RetryCount++
	}
}

// invoke calls the adapter under the step timeout. An adapter that ignores
// its context is abandoned once the deadline passes.
func (e *Engine) invoke(ctx context.Context, step domain.Step, sc StepContext, timeout time.Duration) (integration.Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res integration.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.invoker.Invoke(stepCtx, step.Target, step.Config, sc.Context)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return integration.Result{}, timeoutError(step.ID, timeout)
		}
		return o.res, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return integration.Result{}, ctx.Err()
		}
		return integration.Result{}, timeoutError(step.ID, timeout)
	}
}

func timeoutError(stepID string, timeout time.Duration) error {
	return fmt.Errorf("%w: step %s exceeded %s", domain.ErrTimeout, stepID, timeout)
}

func (e *Engine) runCondition(ctx context.Context, step domain.Step, sc StepContext, res *domain.StepResult) {
	expr := step.ConfigString("expression")
	if expr == "" {
		res.Status = domain.StepStatusError
		res.Error = "condition step requires an expression"
		return
	}

	condCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
	defer cancel()

	ok, err := e.conditions.EvalBool(condCtx, expr, sc.Context)
	if err != nil {
		res.Status = domain.StepStatusError
		if errors.Is(condCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Error = timeoutError(step.ID, e.stepTimeout(step)).Error()
			return
		}
		res.Error = fmt.Sprintf("invalid condition: %v", err)
		return
	}

	branch := "false"
	if ok {
		branch = "true"
	}
	res.Status = domain.StepStatusSuccess
	res.Output = map[string]interface{}{"result": ok, "branch": branch}
}

func (e *Engine) stepTimeout(step domain.Step) time.Duration {
	if ms := configInt(step.Config, "timeout_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return e.cfg.StepTimeout
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

func configInt(cfg map[string]interface{}, key string) int64 {
	switch v := cfg[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func configBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}
