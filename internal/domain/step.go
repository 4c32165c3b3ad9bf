package domain

import "time"

// Step is one unit of work in a workflow graph.
type Step struct {
	ID        string                 `json:"id" yaml:"id"`
	Kind      StepKind               `json:"kind" yaml:"kind"`
	Target    string                 `json:"target,omitempty" yaml:"target,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	DependsOn []string               `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// ConfigString returns a string config value or "".
func (s Step) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	if v, ok := s.Config[key].(string); ok {
		return v
	}
	return ""
}

// ContextKey is the key under which the step's output is merged into the run context.
func (s Step) ContextKey() string {
	return "step_" + s.ID
}

// StepResult records the outcome of a single step.
type StepResult struct {
	StepID     string          `json:"stepId"`
	Status     StepStatus      `json:"status"`
	Output     interface{}     `json:"output"`
	Error      string          `json:"error,omitempty"`
	SkipReason SkipReason      `json:"skipReason,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Resolution *ToolResolution `json:"resolution,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
	TokensUsed int             `json:"tokensUsed"`
	CostUSD    float64         `json:"costUsd"`
	RetryCount int             `json:"retryCount"`
}

// NewPendingResult returns the initial result for a step.
func NewPendingResult(stepID string) *StepResult {
	return &StepResult{StepID: stepID, Status: StepStatusPending}
}

// Clone returns a copy that does not share slices or time pointers with r.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Warnings != nil {
		c.Warnings = append([]string(nil), r.Warnings...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}
