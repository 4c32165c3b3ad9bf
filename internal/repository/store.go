// Package store persists workflow runs, their events and checkpoints, and the
// tool catalog.
package store

import (
	"context"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Workflow operations
	CreateWorkflow(ctx context.Context, rec *domain.WorkflowRecord) error
	GetWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowRecord, error)
	GetWorkflowByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowRecord, error)
	ListWorkflows(ctx context.Context, limit int) ([]domain.WorkflowRecord, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.RunStatus, tokens int, costUSD float64) error
	UpdateWorkflowCompleted(ctx context.Context, workflowID string, status domain.RunStatus, tokens int, costUSD float64, errMsg string) error

	// Step result operations
	UpsertStepResult(ctx context.Context, workflowID string, res *domain.StepResult) error
	GetStepResults(ctx context.Context, workflowID string) ([]domain.StepResult, error)
	DeleteStepResults(ctx context.Context, workflowID string) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.StoredEvent) error
	GetEvents(ctx context.Context, workflowID string, afterSeq uint64, types []string, limit int) ([]domain.StoredEvent, error)

	// Checkpoint operations
	CreateCheckpoint(ctx context.Context, workflowID string, cp *domain.Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, workflowID string) (*domain.Checkpoint, error)

	// Tool catalog operations
	UpsertTool(ctx context.Context, row *catalog.Row) error
	GetTool(ctx context.Context, id string) (*catalog.Row, error)
	ListTools(ctx context.Context) ([]catalog.Row, error)

	// Lifecycle
	Close() error
}
