// Package domain defines the core domain models for the workflow orchestrator.
package domain

// StepKind represents the kind of a workflow step.
type StepKind string

const (
	StepKindTrigger   StepKind = "trigger"
	StepKindAction    StepKind = "action"
	StepKindCondition StepKind = "condition"
	StepKindOutput    StepKind = "output"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindTrigger, StepKindAction, StepKindCondition, StepKindOutput:
		return true
	}
	return false
}

// StepStatus represents the status of a step result.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusError || s == StepStatusSkipped
}

// SkipReason explains why a step ended up skipped.
type SkipReason string

const (
	SkipReasonUser             SkipReason = "user"
	SkipReasonDependencyFailed SkipReason = "dependency_failed"
	SkipReasonBranchNotTaken   SkipReason = "branch_not_taken"
	SkipReasonUnsupportedTool  SkipReason = "unsupported_tool"
	SkipReasonRunAborted       SkipReason = "run_aborted"
)

// Blocking reports whether dependents of a step skipped for this reason must be skipped too.
func (r SkipReason) Blocking() bool {
	switch r {
	case SkipReasonDependencyFailed, SkipReasonBranchNotTaken, SkipReasonRunAborted:
		return true
	}
	return false
}

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusPlanning  RunStatus = "planning"
	RunStatusReady     RunStatus = "ready"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPartial:
		return true
	}
	return false
}

// ResolutionLevel is the outcome of resolving a requested integration.
type ResolutionLevel string

const (
	ResolutionNative      ResolutionLevel = "native"
	ResolutionAPIKey      ResolutionLevel = "api_key"
	ResolutionAlternative ResolutionLevel = "alternative"
	ResolutionUnsupported ResolutionLevel = "unsupported"
)

// AuthMethod is how an integration authenticates.
type AuthMethod string

const (
	AuthOAuth2 AuthMethod = "oauth2"
	AuthAPIKey AuthMethod = "api_key"
	AuthBearer AuthMethod = "bearer"
	AuthNone   AuthMethod = "none"
)

// Badge is the recommendation badge derived from a trust score.
type Badge string

const (
	BadgeRecommended    Badge = "recommended"
	BadgeCaution        Badge = "caution"
	BadgeNotRecommended Badge = "not_recommended"
)

// EventType represents the type of a stream event.
type EventType string

const (
	EventTypeConnected      EventType = "connected"
	EventTypeNodeUpdate     EventType = "node_update"
	EventTypeWorkflowStatus EventType = "workflow_status"
	EventTypeCheckpoint     EventType = "checkpoint"
)
