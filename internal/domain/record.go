package domain

import (
	"encoding/json"
	"time"
)

// WorkflowRecord is the persisted summary of a run. The request is kept so a
// run can be rebuilt from its latest checkpoint.
type WorkflowRecord struct {
	ID             string                `json:"id"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
	AutonomyLevel  AutonomyLevel         `json:"autonomyLevel"`
	Status         RunStatus             `json:"status"`
	Request        CreateWorkflowRequest `json:"request"`
	Error          string                `json:"error,omitempty"`
	TotalTokens    int                   `json:"totalTokens"`
	TotalCostUSD   float64               `json:"totalCostUsd"`
	CreatedAt      time.Time             `json:"createdAt"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
}

// StoredEvent is a stream event as written to the state store.
type StoredEvent struct {
	EventID    string          `json:"eventId"`
	WorkflowID string          `json:"workflowId"`
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	Ts         int64           `json:"ts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
