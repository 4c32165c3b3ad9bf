package service

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/repository"
)

// recorder persists one workflow's stream. Events are held back until the
// workflow record exists, and dropped if it never will.
type recorder struct {
	store      store.Store
	workflowID string
	ready      chan struct{}
	discarded  atomic.Bool
}

func newRecorder(st store.Store, workflowID string) *recorder {
	return &recorder{store: st, workflowID: workflowID, ready: make(chan struct{})}
}

// openRecorder returns a recorder for a workflow whose record already exists.
func openRecorder(st store.Store, workflowID string) *recorder {
	r := newRecorder(st, workflowID)
	r.open()
	return r
}

func (r *recorder) open() {
	close(r.ready)
}

func (r *recorder) discard() {
	r.discarded.Store(true)
	close(r.ready)
}

func (r *recorder) handle(e domain.Event) {
	<-r.ready
	if r.discarded.Load() || e.Type == domain.EventTypeConnected {
		return
	}
	ctx := context.Background()

	switch e.Type {
	case domain.EventTypeNodeUpdate:
		if e.Node != nil {
			if err := r.store.UpsertStepResult(ctx, r.workflowID, e.Node); err != nil {
				log.Printf("ERROR: failed to store step %s of workflow %s: %v", e.Node.StepID, r.workflowID, err)
			}
		}
	case domain.EventTypeWorkflowStatus:
		tokens, cost := 0, 0.0
		if e.TokensUsed != nil {
			tokens = *e.TokensUsed
		}
		if e.CostUSD != nil {
			cost = *e.CostUSD
		}
		var err error
		if e.Status.Terminal() {
			errMsg := ""
			if e.Status == domain.RunStatusFailed {
				errMsg = e.Reason
			}
			err = r.store.UpdateWorkflowCompleted(ctx, r.workflowID, e.Status, tokens, cost, errMsg)
		} else {
			err = r.store.UpdateWorkflowStatus(ctx, r.workflowID, e.Status, tokens, cost)
		}
		if err != nil {
			log.Printf("ERROR: failed to update workflow %s status: %v", r.workflowID, err)
		}
	case domain.EventTypeCheckpoint:
		if e.Checkpoint != nil {
			if err := r.store.CreateCheckpoint(ctx, r.workflowID, e.Checkpoint); err != nil {
				log.Printf("ERROR: failed to store checkpoint %s: %v", e.Checkpoint.ID, err)
			}
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("ERROR: failed to marshal event: %v", err)
		return
	}
	stored := &domain.StoredEvent{
		EventID:    "evt_" + uuid.New().String()[:8],
		WorkflowID: r.workflowID,
		Seq:        e.Seq,
		Type:       e.Type,
		Ts:         time.Now().UnixMilli(),
		Payload:    payload,
	}
	if err := r.store.CreateEvent(ctx, stored); err != nil {
		log.Printf("ERROR: failed to record %s event for workflow %s: %v", e.Type, r.workflowID, err)
	}
}
