package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/flowrun/internal/adapter/integration"
	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/config"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/repository"
	"github.com/xiaot623/flowrun/policy"
	"github.com/xiaot623/flowrun/tests/helpers"
)

func testConfig() *config.Config {
	return &config.Config{
		StepTimeout:              time.Second,
		MaxParallelism:           4,
		CheckpointOnExternalCall: true,
		DefaultAutonomyLevel:     "supervised",
		MinConfidence:            0.3,
	}
}

func newTestService(t *testing.T, db store.Store) (*Service, *integration.Registry) {
	t.Helper()
	ctx := context.Background()

	policyEngine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	reg := integration.NewRegistry()
	integration.RegisterBuiltins(reg, integration.BuiltinOptions{Mock: true})

	svc := New(db, reg, testConfig(), policyEngine)
	require.NoError(t, svc.LoadCatalog(ctx, catalog.Seed()))
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, reg
}

func emailFlow(level domain.AutonomyLevel) domain.CreateWorkflowRequest {
	return domain.CreateWorkflowRequest{
		Input: map[string]interface{}{"to": "a@example.com"},
		Steps: []domain.Step{
			{ID: "trigger", Kind: domain.StepKindTrigger},
			{ID: "mail", Kind: domain.StepKindAction, Target: "gmail", Config: map[string]interface{}{"to": "a@example.com"}, DependsOn: []string{"trigger"}},
			{ID: "out", Kind: domain.StepKindOutput, Config: map[string]interface{}{"format": "summary"}, DependsOn: []string{"mail"}},
		},
		AutonomyLevel: level,
	}
}

func waitFor(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitWorkflow(ctx, id))
	require.NoError(t, svc.awaitRecorder(ctx, id))
}

func TestCreateAndRunToCompletion(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomyUltimate))
	require.NoError(t, err)
	require.False(t, resp.Duplicate)
	id := resp.Workflow.ID
	assert.Equal(t, domain.RunStatusCreated, resp.Workflow.Status)

	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	result, err := svc.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)
	assert.True(t, result.Success)

	rec, err := db.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.RunStatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)

	history, err := svc.GetHistory(ctx, id, 0, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, domain.EventTypeWorkflowStatus, last.Type)
	assert.Contains(t, string(last.Payload), `"completed"`)

	stored, err := db.GetStepResults(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	cp, err := db.GetLatestCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Contains(t, cp.CompletedSteps, "mail")
}

func TestCreateRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	_, err := svc.CreateWorkflow(ctx, domain.CreateWorkflowRequest{Steps: []domain.Step{
		{ID: "a", Kind: domain.StepKindAction, DependsOn: []string{"ghost"}},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidGraph)

	_, err = svc.CreateWorkflow(ctx, domain.CreateWorkflowRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidGraph)

	recs, err := svc.ListWorkflows(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIdempotencyKeyReturnsExistingWorkflow(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	req := emailFlow(domain.AutonomySemi)
	req.IdempotencyKey = "order-42"

	var wg sync.WaitGroup
	ids := make([]string, 5)
	dups := make([]bool, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.CreateWorkflow(ctx, req)
			if assert.NoError(t, err) {
				ids[i] = resp.Workflow.ID
				dups[i] = resp.Duplicate
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if !dups[i] {
			created++
		}
	}
	assert.Equal(t, 1, created)

	recs, err := svc.ListWorkflows(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSupervisedRequiresApproval(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	resp, err := svc.CreateWorkflow(ctx, emailFlow(""))
	require.NoError(t, err)
	id := resp.Workflow.ID
	assert.Equal(t, domain.AutonomySupervised, resp.Workflow.AutonomyLevel)

	run, err := svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusReady, run.Status)

	_, err = svc.ExecuteWorkflow(ctx, id)
	assert.ErrorIs(t, err, domain.ErrApprovalRequired)

	_, err = svc.ApproveWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	run, err = svc.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.True(t, run.Approved)
}

func TestUnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, helpers.NewTestSQLiteStore(t))

	_, err := svc.StartWorkflow(ctx, "wf_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.GetWorkflow(ctx, "wf_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.GetHistory(ctx, "wf_missing", 0, nil, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.RecoverWorkflow(ctx, "wf_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = svc.Subscribe("wf_missing", func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetRecordsTheNextAttempt(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomyUltimate))
	require.NoError(t, err)
	id := resp.Workflow.ID
	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	run, err := svc.ResetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCreated, run.Status)
	assert.Zero(t, run.TotalTokens)

	require.Eventually(t, func() bool {
		rec, err := db.GetWorkflow(ctx, id)
		return err == nil && rec.Status == domain.RunStatusCreated && rec.CompletedAt == nil
	}, time.Second, 5*time.Millisecond)

	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	rec, err := db.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rec.Status)
}

func TestRecoverResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, reg := newTestService(t, db)

	var mailCalls, docCalls atomic.Int32
	reg.MustRegister("gmail", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		mailCalls.Add(1)
		return integration.Result{Output: "sent", TokensUsed: 10}, nil
	}))
	reg.MustRegister("notion", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		if docCalls.Add(1) == 1 {
			return integration.Result{}, errors.New("notion unavailable")
		}
		return integration.Result{Output: "page_1"}, nil
	}))

	resp, err := svc.CreateWorkflow(ctx, domain.CreateWorkflowRequest{
		Steps: []domain.Step{
			{ID: "trigger", Kind: domain.StepKindTrigger},
			{ID: "mail", Kind: domain.StepKindAction, Target: "gmail", DependsOn: []string{"trigger"}},
			{ID: "doc", Kind: domain.StepKindAction, Target: "notion", DependsOn: []string{"mail"}},
			{ID: "out", Kind: domain.StepKindOutput, DependsOn: []string{"doc"}},
		},
		AutonomyLevel: domain.AutonomySupervised,
	})
	require.NoError(t, err)
	id := resp.Workflow.ID

	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ApproveWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	run, err := svc.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, domain.SkipReasonDependencyFailed, run.Results["out"].SkipReason)

	run, err = svc.RecoverWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusReady, run.Status)
	assert.Equal(t, domain.StepStatusSuccess, run.Results["mail"].Status)
	assert.Equal(t, domain.StepStatusPending, run.Results["doc"].Status)
	assert.Equal(t, 10, run.TotalTokens)

	_, err = svc.ApproveWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	result, err := svc.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)
	assert.EqualValues(t, 1, mailCalls.Load())
	assert.EqualValues(t, 2, docCalls.Load())
}

func TestRecoverRejectsLiveRun(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, helpers.NewTestSQLiteStore(t))

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomySemi))
	require.NoError(t, err)
	_, err = svc.RecoverWorkflow(ctx, resp.Workflow.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPersistedWorkflowReadableFromNewProcess(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomyAutonomous))
	require.NoError(t, err)
	id := resp.Workflow.ID
	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	restarted, _ := newTestService(t, db)
	run, err := restarted.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, domain.StepStatusSuccess, run.Results["mail"].Status)

	result, err := restarted.GetResult(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Results, 3)
	assert.NotNil(t, result.FinalOutput)
}

func TestPersistedResultFallsBackToRunContext(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, reg := newTestService(t, db)
	reg.MustRegister("notion", integration.AdapterFunc(func(context.Context, string, map[string]interface{}, map[string]interface{}) (integration.Result, error) {
		return integration.Result{}, errors.New("notion unavailable")
	}))

	resp, err := svc.CreateWorkflow(ctx, domain.CreateWorkflowRequest{
		Input:     map[string]interface{}{"title": "weekly"},
		Variables: map[string]interface{}{"env": "test"},
		Steps: []domain.Step{
			{ID: "doc", Kind: domain.StepKindAction, Target: "notion"},
		},
		AutonomyLevel: domain.AutonomySupervised,
	})
	require.NoError(t, err)
	id := resp.Workflow.ID
	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ApproveWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	live, err := svc.GetResult(ctx, id)
	require.NoError(t, err)

	restarted, _ := newTestService(t, db)
	result, err := restarted.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, result.Status)
	assert.False(t, result.Success)

	final, ok := result.FinalOutput.(map[string]interface{})
	require.True(t, ok, "final output is %T", result.FinalOutput)
	assert.Equal(t, map[string]interface{}{"title": "weekly"}, final["input"])
	assert.Equal(t, map[string]interface{}{"env": "test"}, final["variables"])
	assert.NotContains(t, final, "step_doc")
	assert.Equal(t, live.FinalOutput, result.FinalOutput)
}

func TestSubscribeToFinishedRunReplaysSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, helpers.NewTestSQLiteStore(t))

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomyUltimate))
	require.NoError(t, err)
	id := resp.Workflow.ID
	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	waitFor(t, svc, id)

	var got []domain.Event
	var mu sync.Mutex
	_, done, err := svc.Subscribe(id, func(e domain.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream of a finished run did not end")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, domain.EventTypeConnected, got[0].Type)
	assert.Equal(t, "trigger", got[1].Node.StepID)
	assert.Equal(t, domain.EventTypeWorkflowStatus, got[4].Type)
	assert.Equal(t, domain.RunStatusCompleted, got[4].Status)
}

func TestSubscribeToLiveRun(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, helpers.NewTestSQLiteStore(t))

	resp, err := svc.CreateWorkflow(ctx, emailFlow(domain.AutonomySemi))
	require.NoError(t, err)
	id := resp.Workflow.ID

	var last atomic.Value
	_, done, err := svc.Subscribe(id, func(e domain.Event) {
		if e.Type == domain.EventTypeWorkflowStatus {
			last.Store(e.Status)
		}
	})
	require.NoError(t, err)

	_, err = svc.StartWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ApproveWorkflow(ctx, id)
	require.NoError(t, err)
	_, err = svc.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("live stream did not end with the run")
	}
	assert.Equal(t, domain.RunStatusCompleted, last.Load())
}

func TestToolCatalogOperations(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	tools := svc.ListTools(ctx)
	require.Len(t, tools, len(catalog.Seed()))
	for _, tool := range tools {
		assert.Equal(t, tool.ID, tool.Trust.ToolID)
	}

	before := svc.ResolveTool(ctx, "zoho mail")
	assert.Equal(t, domain.ResolutionAlternative, before.Level)

	info, err := svc.UpsertTool(ctx, catalog.Entry{ID: "Zoho Mail", APIKey: true, AuthMethod: domain.AuthAPIKey})
	require.NoError(t, err)
	assert.Equal(t, "zoho_mail", info.ID)
	assert.Equal(t, "email", info.Category)

	after := svc.ResolveTool(ctx, "zoho mail")
	assert.Equal(t, domain.ResolutionAPIKey, after.Level)
	require.NotNil(t, after.APIKeyInfo)

	row, err := db.GetTool(ctx, "zoho_mail")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, catalog.AuthLevelAPIKey, row.AuthLevel)

	trustResp, err := svc.GetToolTrust(ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, domain.BadgeRecommended, trustResp.Badge)
	require.NoError(t, svc.InvalidateToolTrust(ctx, "gmail"))

	_, err = svc.GetToolTrust(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.InvalidateToolTrust(ctx, "nope"), domain.ErrNotFound)

	_, err = svc.UpsertTool(ctx, catalog.Entry{ID: "  "})
	assert.Error(t, err)
}

func TestLoadCatalogKeepsStoredRows(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	svc, _ := newTestService(t, db)

	_, err := svc.UpsertTool(ctx, catalog.Entry{ID: "gmail", Name: "Gmail (custom)", Category: "email", Native: true})
	require.NoError(t, err)

	restarted, _ := newTestService(t, db)
	tools := restarted.ListTools(ctx)
	var gmail ToolInfo
	for _, tool := range tools {
		if tool.ID == "gmail" {
			gmail = tool
		}
	}
	assert.Equal(t, "Gmail (custom)", gmail.Name)

	rows, err := db.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, len(catalog.Seed()))
}
