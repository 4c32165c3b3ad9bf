package domain

import "time"

// Event is a single message on a workflow's event stream.
// Payload fields are populated according to Type.
type Event struct {
	Type       EventType   `json:"type"`
	WorkflowID string      `json:"workflowId"`
	Seq        uint64      `json:"seq,omitempty"`
	Node       *StepResult `json:"node,omitempty"`
	Status     RunStatus   `json:"status,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	TokensUsed *int        `json:"tokensUsed,omitempty"`
	CostUSD    *float64    `json:"costUsd,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	UpdatedAt  *time.Time  `json:"updatedAt,omitempty"`
	CreatedAt  *time.Time  `json:"createdAt,omitempty"`
}

// NewConnectedEvent returns the synthetic first event for a subscriber.
func NewConnectedEvent(workflowID string) Event {
	return Event{Type: EventTypeConnected, WorkflowID: workflowID}
}

// NewNodeUpdateEvent wraps a step result transition.
func NewNodeUpdateEvent(workflowID string, node *StepResult) Event {
	return Event{Type: EventTypeNodeUpdate, WorkflowID: workflowID, Node: node}
}

// NewWorkflowStatusEvent reports a run status transition.
func NewWorkflowStatusEvent(workflowID string, status RunStatus, tokens int, cost float64, reason string, at time.Time) Event {
	return Event{
		Type:       EventTypeWorkflowStatus,
		WorkflowID: workflowID,
		Status:     status,
		TokensUsed: &tokens,
		CostUSD:    &cost,
		Reason:     reason,
		UpdatedAt:  &at,
	}
}

// NewCheckpointEvent reports a newly recorded checkpoint.
func NewCheckpointEvent(workflowID string, cp *Checkpoint) Event {
	tokens, cost, at := cp.TokensUsed, cp.CostUSD, cp.CreatedAt
	return Event{
		Type:       EventTypeCheckpoint,
		WorkflowID: workflowID,
		Checkpoint: cp,
		TokensUsed: &tokens,
		CostUSD:    &cost,
		CreatedAt:  &at,
	}
}
