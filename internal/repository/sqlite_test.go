package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newRecord(id, key string) *domain.WorkflowRecord {
	return &domain.WorkflowRecord{
		ID:             id,
		IdempotencyKey: key,
		AutonomyLevel:  domain.AutonomySemi,
		Status:         domain.RunStatusCreated,
		Request: domain.CreateWorkflowRequest{
			Steps: []domain.Step{
				{ID: "t", Kind: domain.StepKindTrigger},
				{ID: "a", Kind: domain.StepKindAction, Target: "gmail", DependsOn: []string{"t"}},
			},
			Input: map[string]interface{}{"to": "x@example.com"},
		},
		CreatedAt: time.Now(),
	}
}

func TestSQLiteStoreWorkflows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, newRecord("wf_1", "key-1")); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := store.CreateWorkflow(ctx, newRecord("wf_2", "")); err != nil {
		t.Fatalf("CreateWorkflow without key failed: %v", err)
	}
	if err := store.CreateWorkflow(ctx, newRecord("wf_3", "")); err != nil {
		t.Fatalf("second CreateWorkflow without key failed: %v", err)
	}
	if err := store.CreateWorkflow(ctx, newRecord("wf_4", "key-1")); err == nil {
		t.Fatalf("expected duplicate idempotency key to fail")
	}

	got, err := store.GetWorkflow(ctx, "wf_1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got == nil || got.IdempotencyKey != "key-1" || len(got.Request.Steps) != 2 {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if got.Request.Steps[1].DependsOn[0] != "t" {
		t.Fatalf("dependsOn not preserved: %+v", got.Request.Steps[1])
	}

	byKey, err := store.GetWorkflowByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetWorkflowByIdempotencyKey failed: %v", err)
	}
	if byKey == nil || byKey.ID != "wf_1" {
		t.Fatalf("unexpected workflow by key: %+v", byKey)
	}
	if none, _ := store.GetWorkflowByIdempotencyKey(ctx, ""); none != nil {
		t.Fatalf("empty key should not match, got %+v", none)
	}
	if missing, err := store.GetWorkflow(ctx, "wf_missing"); err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing workflow, got %+v, %v", missing, err)
	}

	if err := store.UpdateWorkflowStatus(ctx, "wf_1", domain.RunStatusRunning, 12, 0.5); err != nil {
		t.Fatalf("UpdateWorkflowStatus failed: %v", err)
	}
	if err := store.UpdateWorkflowCompleted(ctx, "wf_1", domain.RunStatusFailed, 20, 0.75, "step a: boom"); err != nil {
		t.Fatalf("UpdateWorkflowCompleted failed: %v", err)
	}
	got, _ = store.GetWorkflow(ctx, "wf_1")
	if got.Status != domain.RunStatusFailed || got.TotalTokens != 20 || got.Error != "step a: boom" || got.CompletedAt == nil {
		t.Fatalf("unexpected completed workflow: %+v", got)
	}

	// A reset run goes back to a non-terminal status and clears completion.
	if err := store.UpdateWorkflowStatus(ctx, "wf_1", domain.RunStatusCreated, 0, 0); err != nil {
		t.Fatalf("UpdateWorkflowStatus failed: %v", err)
	}
	got, _ = store.GetWorkflow(ctx, "wf_1")
	if got.CompletedAt != nil || got.Error != "" {
		t.Fatalf("reset workflow still carries completion: %+v", got)
	}

	list, err := store.ListWorkflows(ctx, 2)
	if err != nil {
		t.Fatalf("ListWorkflows failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(list))
	}
}

func TestSQLiteStoreStepResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, newRecord("wf_1", "")); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	res := domain.NewPendingResult("a")
	if err := store.UpsertStepResult(ctx, "wf_1", res); err != nil {
		t.Fatalf("UpsertStepResult failed: %v", err)
	}
	res.Status = domain.StepStatusSuccess
	res.Output = map[string]interface{}{"id": "msg_1"}
	res.TokensUsed = 7
	if err := store.UpsertStepResult(ctx, "wf_1", res); err != nil {
		t.Fatalf("UpsertStepResult update failed: %v", err)
	}

	results, err := store.GetStepResults(ctx, "wf_1")
	if err != nil {
		t.Fatalf("GetStepResults failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != domain.StepStatusSuccess || results[0].TokensUsed != 7 {
		t.Fatalf("unexpected step results: %+v", results)
	}

	if err := store.DeleteStepResults(ctx, "wf_1"); err != nil {
		t.Fatalf("DeleteStepResults failed: %v", err)
	}
	results, _ = store.GetStepResults(ctx, "wf_1")
	if len(results) != 0 {
		t.Fatalf("expected no results after delete, got %d", len(results))
	}

	if err := store.UpsertStepResult(ctx, "wf_unknown", res); err == nil {
		t.Fatalf("expected foreign key violation for unknown workflow")
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, newRecord("wf_1", "")); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	types := []domain.EventType{domain.EventTypeWorkflowStatus, domain.EventTypeNodeUpdate, domain.EventTypeNodeUpdate, domain.EventTypeCheckpoint}
	for i, typ := range types {
		payload, _ := json.Marshal(map[string]int{"i": i})
		evt := &domain.StoredEvent{
			EventID:    "evt_" + string(rune('a'+i)),
			WorkflowID: "wf_1",
			Seq:        uint64(i + 1),
			Type:       typ,
			Ts:         time.Now().UnixMilli(),
			Payload:    payload,
		}
		if err := store.CreateEvent(ctx, evt); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}

	all, err := store.GetEvents(ctx, "wf_1", 0, nil, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(all) != 4 || all[0].Seq != 1 || all[3].Type != domain.EventTypeCheckpoint {
		t.Fatalf("unexpected events: %+v", all)
	}

	after, _ := store.GetEvents(ctx, "wf_1", 2, nil, 0)
	if len(after) != 2 || after[0].Seq != 3 {
		t.Fatalf("unexpected events after seq 2: %+v", after)
	}

	nodes, _ := store.GetEvents(ctx, "wf_1", 0, []string{string(domain.EventTypeNodeUpdate)}, 1)
	if len(nodes) != 1 || nodes[0].Type != domain.EventTypeNodeUpdate {
		t.Fatalf("unexpected filtered events: %+v", nodes)
	}
	if string(nodes[0].Payload) != `{"i":1}` {
		t.Fatalf("unexpected payload: %s", nodes[0].Payload)
	}
}

func TestSQLiteStoreCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateWorkflow(ctx, newRecord("wf_1", "")); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if cp, err := store.GetLatestCheckpoint(ctx, "wf_1"); err != nil || cp != nil {
		t.Fatalf("expected no checkpoint, got %+v, %v", cp, err)
	}

	for i := 1; i <= 2; i++ {
		cp := &domain.Checkpoint{
			ID:             "cp_" + string(rune('0'+i)),
			Sequence:       i,
			CompletedSteps: []string{"t"},
			Results: map[string]*domain.StepResult{
				"t": {StepID: "t", Status: domain.StepStatusSuccess, Output: "payload"},
			},
			TokensUsed: i * 10,
			CreatedAt:  time.Now(),
		}
		if err := store.CreateCheckpoint(ctx, "wf_1", cp); err != nil {
			t.Fatalf("CreateCheckpoint failed: %v", err)
		}
	}

	latest, err := store.GetLatestCheckpoint(ctx, "wf_1")
	if err != nil {
		t.Fatalf("GetLatestCheckpoint failed: %v", err)
	}
	if latest == nil || latest.Sequence != 2 || latest.TokensUsed != 20 {
		t.Fatalf("unexpected latest checkpoint: %+v", latest)
	}
	if latest.Results["t"].Output != "payload" {
		t.Fatalf("checkpoint result output not preserved: %+v", latest.Results["t"])
	}
}

func TestSQLiteStoreTools(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, e := range catalog.Seed() {
		row := catalog.ToRow(e)
		if err := store.UpsertTool(ctx, &row); err != nil {
			t.Fatalf("UpsertTool(%s) failed: %v", e.ID, err)
		}
	}

	rows, err := store.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(rows) != len(catalog.Seed()) {
		t.Fatalf("expected %d tools, got %d", len(catalog.Seed()), len(rows))
	}

	gmail, err := store.GetTool(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetTool failed: %v", err)
	}
	if gmail == nil || gmail.AuthLevel != catalog.AuthLevelNative || !gmail.SuccessRate.Valid {
		t.Fatalf("unexpected gmail row: %+v", gmail)
	}
	entry := catalog.FromRow(*gmail)
	if !entry.Native || entry.Category != "email" {
		t.Fatalf("unexpected gmail entry: %+v", entry)
	}

	updated := *gmail
	updated.UsageCount = sql.NullInt64{Int64: 42, Valid: true}
	if err := store.UpsertTool(ctx, &updated); err != nil {
		t.Fatalf("UpsertTool update failed: %v", err)
	}
	gmail, _ = store.GetTool(ctx, "gmail")
	if gmail.UsageCount.Int64 != 42 {
		t.Fatalf("expected usage count 42, got %+v", gmail.UsageCount)
	}

	if missing, err := store.GetTool(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing tool, got %+v, %v", missing, err)
	}
}
