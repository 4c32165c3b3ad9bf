package domain

// CreateWorkflowRequest is the planner input accepted by the control surface.
type CreateWorkflowRequest struct {
	Steps          []Step                 `json:"steps" yaml:"steps"`
	Input          interface{}            `json:"input,omitempty" yaml:"input,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	AutonomyLevel  AutonomyLevel          `json:"autonomyLevel,omitempty" yaml:"autonomyLevel,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty" yaml:"idempotencyKey,omitempty"`
}

// CreateWorkflowResponse is returned after creating a workflow.
type CreateWorkflowResponse struct {
	Workflow  *Run `json:"workflow"`
	Duplicate bool `json:"duplicate"`
}

// ToolTrustResponse pairs a trust score with its badge.
type ToolTrustResponse struct {
	Score TrustScore `json:"score"`
	Badge Badge      `json:"badge"`
}
