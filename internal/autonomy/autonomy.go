// Package autonomy implements the gate consulted before every state-changing action.
package autonomy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/policy"
)

// Action classifies a state-changing transition.
type Action string

const (
	ActionWorkflowCreation Action = "workflowCreation"
	ActionWorkflowStart    Action = "workflowStart"
	ActionAPICalls         Action = "apiCalls"
	ActionRetry            Action = "retry"
	ActionAutoAdvance      Action = "autoAdvance"
)

var levelRank = map[domain.AutonomyLevel]int{
	domain.AutonomySupervised: 0,
	domain.AutonomySemi:       1,
	domain.AutonomyAutonomous: 2,
	domain.AutonomyUltimate:   3,
}

// ParseLevel validates an autonomy level name. Empty selects supervised.
func ParseLevel(s string) (domain.AutonomyLevel, error) {
	if s == "" {
		return domain.AutonomySupervised, nil
	}
	level := domain.AutonomyLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown autonomy level %q", s)
	}
	return level, nil
}

// Config parameterizes a Policy.
type Config struct {
	Level          domain.AutonomyLevel
	AutoApprove    bool
	RetryOnFailure bool
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// Zero budgets are unlimited.
	MaxTokens  int
	MaxCostUSD float64
}

// ConfigFor returns the default configuration for a level.
func ConfigFor(level domain.AutonomyLevel) Config {
	cfg := Config{
		Level:     level,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
	}
	switch level {
	case domain.AutonomySemi:
		cfg.RetryOnFailure, cfg.MaxRetries = true, 1
	case domain.AutonomyAutonomous:
		cfg.AutoApprove, cfg.RetryOnFailure, cfg.MaxRetries = true, true, 2
	case domain.AutonomyUltimate:
		cfg.AutoApprove, cfg.RetryOnFailure, cfg.MaxRetries = true, true, 3
	default:
		cfg.Level = domain.AutonomySupervised
	}
	return cfg
}

// Decider evaluates policy input into a decision.
type Decider interface {
	Evaluate(ctx context.Context, input map[string]interface{}) (policy.Decision, error)
}

// DeniedError is the typed refusal returned by Check.
type DeniedError struct {
	Action           Action
	Level            domain.AutonomyLevel
	Reasons          []string
	approvalRequired bool
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("autonomy denied: %s at level %s", e.Action, e.Level)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *DeniedError) Unwrap() error {
	if e.approvalRequired {
		return domain.ErrApprovalRequired
	}
	return domain.ErrAutonomyDenied
}

// shared is the state common to a policy and its forks.
type shared struct {
	mu       sync.Mutex
	approved bool
	tokens   int
	cost     float64
}

// Policy is the stateful autonomy gate for one run.
type Policy struct {
	cfg     Config
	decider Decider
	shared  *shared

	mu       sync.Mutex
	failures int
}

// New creates a policy for cfg, deciding through d.
func New(cfg Config, d Decider) *Policy {
	return &Policy{cfg: cfg, decider: d, shared: &shared{}}
}

// Fork returns a policy with its own consecutive-failure counter that shares
// configuration, approval and cost budget with p. Concurrent steps each retry on a fork.
func (p *Policy) Fork() *Policy {
	return &Policy{cfg: p.cfg, decider: p.decider, shared: p.shared}
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Level returns the autonomy level.
func (p *Policy) Level() domain.AutonomyLevel {
	return p.cfg.Level
}

// Check returns nil when action may proceed, or a *DeniedError.
func (p *Policy) Check(ctx context.Context, action Action) error {
	p.shared.mu.Lock()
	approved := p.shared.approved || p.cfg.AutoApprove
	tokens, cost := p.shared.tokens, p.shared.cost
	p.shared.mu.Unlock()

	input := map[string]interface{}{
		"level":            string(p.cfg.Level),
		"action":           string(action),
		"approved":         approved,
		"retry_on_failure": p.cfg.RetryOnFailure,
		"tokens_used":      tokens,
		"cost_usd":         cost,
		"max_tokens":       p.cfg.MaxTokens,
		"max_cost_usd":     p.cfg.MaxCostUSD,
	}

	d, err := p.decider.Evaluate(ctx, input)
	if err != nil {
		return &DeniedError{Action: action, Level: p.cfg.Level, Reasons: []string{err.Error()}}
	}
	if d.Allow {
		return nil
	}
	return &DeniedError{
		Action:           action,
		Level:            p.cfg.Level,
		Reasons:          d.Reasons,
		approvalRequired: action == ActionAPICalls && !approved,
	}
}

// CanProceed reports whether action is allowed right now.
func (p *Policy) CanProceed(ctx context.Context, action Action) bool {
	return p.Check(ctx, action) == nil
}

// AutoAdvance reports whether the run may pass approval and execution gates unattended.
func (p *Policy) AutoAdvance(ctx context.Context) bool {
	return p.CanProceed(ctx, ActionAutoAdvance)
}

// Approve records an explicit caller approval.
func (p *Policy) Approve() {
	p.shared.mu.Lock()
	p.shared.approved = true
	p.shared.mu.Unlock()
}

// Approved reports whether the run was approved explicitly or by level.
func (p *Policy) Approved() bool {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return p.shared.approved || p.cfg.AutoApprove
}

// RecordCost adds usage to the shared budget.
func (p *Policy) RecordCost(tokens int, costUSD float64) {
	p.shared.mu.Lock()
	p.shared.tokens += tokens
	p.shared.cost += costUSD
	p.shared.mu.Unlock()
}

// Usage returns the tokens and cost recorded so far.
func (p *Policy) Usage() (int, float64) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return p.shared.tokens, p.shared.cost
}

// RecordFailure increments the consecutive failure count.
func (p *Policy) RecordFailure() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

// ResetFailures clears the consecutive failure count.
func (p *Policy) ResetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// ConsecutiveFailures returns the current failure count.
func (p *Policy) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// ShouldAutoRetry reports whether the latest failure may be retried without a caller.
func (p *Policy) ShouldAutoRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.RetryOnFailure && p.failures > 0 && p.failures <= p.cfg.MaxRetries
}

// GetRetryDelay returns BaseDelay*2^(failures-1), capped at MaxDelay.
func (p *Policy) GetRetryDelay() time.Duration {
	p.mu.Lock()
	n := p.failures
	p.mu.Unlock()
	if n < 1 {
		n = 1
	}

	delay := p.cfg.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.cfg.MaxDelay > 0 && delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}
