package domain

import "time"

// AutonomyLevel controls how much unattended progress a run may make.
type AutonomyLevel string

const (
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomySemi       AutonomyLevel = "semi"
	AutonomyAutonomous AutonomyLevel = "autonomous"
	AutonomyUltimate   AutonomyLevel = "ultimate"
)

// Run is the in-memory record of one workflow execution.
type Run struct {
	ID             string                 `json:"id"`
	Steps          []Step                 `json:"steps"`
	Results        map[string]*StepResult `json:"results"`
	Status         RunStatus              `json:"status"`
	AutonomyLevel  AutonomyLevel          `json:"autonomyLevel"`
	Approved       bool                   `json:"approved"`
	Input          interface{}            `json:"input,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	TotalTokens    int                    `json:"totalTokens"`
	TotalCostUSD   float64                `json:"totalCostUsd"`
	Checkpoints    []Checkpoint           `json:"checkpoints"`
	Error          string                 `json:"error,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
}

// OrderedResults returns results in step-list order.
func (r *Run) OrderedResults() []StepResult {
	out := make([]StepResult, 0, len(r.Steps))
	for _, s := range r.Steps {
		if res, ok := r.Results[s.ID]; ok && res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// Checkpoint is a durable marker of run progress.
type Checkpoint struct {
	ID             string                 `json:"id"`
	Sequence       int                    `json:"sequence"`
	CompletedSteps []string               `json:"completedSteps"`
	Results        map[string]*StepResult `json:"results"`
	TokensUsed     int                    `json:"tokensUsed"`
	CostUSD        float64                `json:"costUsd"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// AggregatedResult is exposed once a run reaches a terminal state.
type AggregatedResult struct {
	Success      bool         `json:"success"`
	Status       RunStatus    `json:"status"`
	Results      []StepResult `json:"results"`
	FinalOutput  interface{}  `json:"finalOutput"`
	TotalTokens  int          `json:"totalTokens"`
	TotalCostUSD float64      `json:"totalCostUsd"`
	Error        string       `json:"error,omitempty"`
}
