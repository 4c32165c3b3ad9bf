package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator.
var (
	// ErrInvalidGraph is returned when step dependencies are malformed.
	ErrInvalidGraph = errors.New("invalid graph")
	// ErrAutonomyDenied is returned when the autonomy policy refuses an action.
	ErrAutonomyDenied = errors.New("autonomy denied")
	// ErrIntegration marks a failed external integration call.
	ErrIntegration = errors.New("integration error")
	// ErrTimeout marks a step that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRunTimeout marks a run that made no progress within its window.
	ErrRunTimeout = errors.New("run timeout")
	// ErrInvalidTransition is returned for control calls not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound is returned for unknown workflows, steps or tools.
	ErrNotFound = errors.New("not found")
)

// ErrApprovalRequired is returned when execution needs an explicit approval first.
// It matches ErrAutonomyDenied under errors.Is.
var ErrApprovalRequired = fmt.Errorf("%w: approval required", ErrAutonomyDenied)
