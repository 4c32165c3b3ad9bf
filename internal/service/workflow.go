package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/events"
	"github.com/xiaot623/flowrun/internal/session"
)

// CreateWorkflow validates the steps and creates a run in the created state.
// A request carrying an idempotency key that was already used returns the
// existing workflow instead of creating a second run.
func (s *Service) CreateWorkflow(ctx context.Context, req domain.CreateWorkflowRequest) (*domain.CreateWorkflowResponse, error) {
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", domain.ErrInvalidGraph)
	}
	if req.AutonomyLevel == "" {
		req.AutonomyLevel = domain.AutonomyLevel(s.config.DefaultAutonomyLevel)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetWorkflowByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		if existing != nil {
			run, err := s.GetWorkflow(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			log.Printf("INFO: idempotency key %s matched workflow %s", req.IdempotencyKey, existing.ID)
			return &domain.CreateWorkflowResponse{Workflow: run, Duplicate: true}, nil
		}
	}

	id := "wf_" + uuid.New().String()[:8]
	rec := newRecorder(s.store, id)
	s.attach(id, rec)

	sess, err := session.New(ctx, id, req, s.sessionDeps(), s.sessionOptions())
	if err != nil {
		rec.discard()
		s.bus.Close(id)
		return nil, err
	}

	run := sess.Snapshot()
	record := &domain.WorkflowRecord{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		AutonomyLevel:  run.AutonomyLevel,
		Status:         run.Status,
		Request:        req,
		CreatedAt:      run.StartedAt,
	}
	if err := s.store.CreateWorkflow(ctx, record); err != nil {
		rec.discard()
		s.bus.Close(id)
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	rec.open()

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	log.Printf("INFO: workflow %s created with %d steps at level %s", id, len(req.Steps), run.AutonomyLevel)
	return &domain.CreateWorkflowResponse{Workflow: &run}, nil
}

func (s *Service) session(id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	return sess, nil
}

// StartWorkflow plans the run; at auto-advancing levels it also begins execution.
func (s *Service) StartWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	run := sess.Snapshot()
	return &run, nil
}

// ApproveWorkflow records the caller's approval.
func (s *Service) ApproveWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.Approve(ctx) })
}

// ExecuteWorkflow begins execution in the background.
func (s *Service) ExecuteWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.ExecuteAsync(context.Background()) })
}

// PauseWorkflow stops dispatching new steps.
func (s *Service) PauseWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.Pause() })
}

// ResumeWorkflow continues a paused run.
func (s *Service) ResumeWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.Resume() })
}

// CancelWorkflow stops the run and waits for in-flight steps.
func (s *Service) CancelWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.Cancel(ctx) })
}

// SkipStep skips a pending step on behalf of the user.
func (s *Service) SkipStep(ctx context.Context, id, stepID string) (*domain.Run, error) {
	return s.apply(id, func(sess *session.Session) error { return sess.SkipStep(stepID) })
}

// ResetWorkflow returns a run to created. A finished run's stream has closed,
// so a fresh recorder is attached once the previous one has drained.
func (s *Service) ResetWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	st := sess.Status()
	if st == domain.RunStatusRunning || st == domain.RunStatusPaused {
		return nil, fmt.Errorf("%w: cannot reset from %s", domain.ErrInvalidTransition, st)
	}

	if st.Terminal() {
		if err := s.awaitRecorder(ctx, id); err != nil {
			return nil, err
		}
		s.attach(id, openRecorder(s.store, id))
	}
	if err := s.store.DeleteStepResults(ctx, id); err != nil {
		log.Printf("WARN: failed to clear step results of workflow %s: %v", id, err)
	}
	if err := sess.Reset(ctx); err != nil {
		return nil, err
	}
	run := sess.Snapshot()
	return &run, nil
}

// RecoverWorkflow rebuilds a run from its latest checkpoint. Steps recorded
// there are not executed again; the run is left ready. A run loaded in this
// process must have finished first.
func (s *Service) RecoverWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	current, loaded := s.sessions[id]
	s.mu.RUnlock()
	if loaded {
		if st := current.Status(); !st.Terminal() {
			return nil, fmt.Errorf("%w: cannot recover from %s", domain.ErrInvalidTransition, st)
		}
	}

	if err := s.awaitRecorder(ctx, id); err != nil {
		return nil, err
	}

	rec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	cp, err := s.store.GetLatestCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: workflow %s has no checkpoint", domain.ErrNotFound, id)
	}

	if err := s.store.DeleteStepResults(ctx, id); err != nil {
		log.Printf("WARN: failed to clear step results of workflow %s: %v", id, err)
	}
	for _, res := range cp.Results {
		if res.Status != domain.StepStatusSuccess && res.SkipReason != domain.SkipReasonUser {
			continue
		}
		if err := s.store.UpsertStepResult(ctx, id, res); err != nil {
			log.Printf("WARN: failed to restore step %s of workflow %s: %v", res.StepID, id, err)
		}
	}

	s.attach(id, openRecorder(s.store, id))
	sess, err := session.Restore(ctx, id, rec.Request, s.sessionDeps(), s.sessionOptions(), *cp)
	if err != nil {
		s.bus.Close(id)
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	log.Printf("INFO: workflow %s recovered from checkpoint %s", id, cp.ID)
	run := sess.Snapshot()
	return &run, nil
}

// attach subscribes rec to the workflow's stream.
func (s *Service) attach(id string, rec *recorder) {
	_, done := s.bus.SubscribeUntilClosed(id, rec.handle)
	s.mu.Lock()
	s.recorders[id] = done
	s.mu.Unlock()
}

// awaitRecorder waits until the recorder of the previous attempt has written
// everything its stream delivered.
func (s *Service) awaitRecorder(ctx context.Context, id string) error {
	s.mu.RLock()
	done := s.recorders[id]
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) apply(id string, op func(*session.Session) error) (*domain.Run, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if err := op(sess); err != nil {
		return nil, err
	}
	run := sess.Snapshot()
	return &run, nil
}

// GetWorkflow returns the live run, or the persisted one when the run is not
// loaded in this process.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	if sess, err := s.session(id); err == nil {
		run := sess.Snapshot()
		return &run, nil
	}

	rec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	return s.runFromRecord(ctx, rec)
}

func (s *Service) runFromRecord(ctx context.Context, rec *domain.WorkflowRecord) (*domain.Run, error) {
	stored, err := s.store.GetStepResults(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get step results: %w", err)
	}
	results := make(map[string]*domain.StepResult, len(rec.Request.Steps))
	for _, st := range rec.Request.Steps {
		results[st.ID] = domain.NewPendingResult(st.ID)
	}
	for i := range stored {
		if _, ok := results[stored[i].StepID]; ok {
			results[stored[i].StepID] = &stored[i]
		}
	}

	run := &domain.Run{
		ID:             rec.ID,
		Steps:          rec.Request.Steps,
		Results:        results,
		Status:         rec.Status,
		AutonomyLevel:  rec.AutonomyLevel,
		Input:          rec.Request.Input,
		Variables:      rec.Request.Variables,
		TotalTokens:    rec.TotalTokens,
		TotalCostUSD:   rec.TotalCostUSD,
		Checkpoints:    []domain.Checkpoint{},
		Error:          rec.Error,
		IdempotencyKey: rec.IdempotencyKey,
		StartedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
	}
	cp, err := s.store.GetLatestCheckpoint(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if cp != nil {
		run.Checkpoints = append(run.Checkpoints, *cp)
	}
	return run, nil
}

// GetResult returns the aggregated result of a finished run.
func (s *Service) GetResult(ctx context.Context, id string) (*domain.AggregatedResult, error) {
	if sess, err := s.session(id); err == nil {
		return sess.Result()
	}

	run, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("%w: workflow is %s", domain.ErrInvalidTransition, run.Status)
	}
	ordered := run.OrderedResults()
	var final interface{}
	found := false
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Status == domain.StepStatusSuccess {
			final, found = ordered[i].Output, true
			break
		}
	}
	if !found {
		final = runContext(run)
	}
	return &domain.AggregatedResult{
		Success:      run.Status == domain.RunStatusCompleted,
		Status:       run.Status,
		Results:      ordered,
		FinalOutput:  final,
		TotalTokens:  run.TotalTokens,
		TotalCostUSD: run.TotalCostUSD,
		Error:        run.Error,
	}, nil
}

// runContext rebuilds the accumulated context of a persisted run: input,
// variables and the output of every successful step.
func runContext(run *domain.Run) map[string]interface{} {
	ctx := map[string]interface{}{
		"input":     run.Input,
		"variables": run.Variables,
	}
	for _, st := range run.Steps {
		if res, ok := run.Results[st.ID]; ok && res.Status == domain.StepStatusSuccess {
			ctx[st.ContextKey()] = res.Output
		}
	}
	return ctx
}

// WaitWorkflow blocks until the loaded run is terminal or ctx ends.
func (s *Service) WaitWorkflow(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.Wait(ctx)
}

// GetHistory returns persisted stream events of a workflow.
func (s *Service) GetHistory(ctx context.Context, id string, afterSeq uint64, types []string, limit int) ([]domain.StoredEvent, error) {
	rec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	evts, err := s.store.GetEvents(ctx, id, afterSeq, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	if evts == nil {
		evts = []domain.StoredEvent{}
	}
	return evts, nil
}

// ListWorkflows lists persisted workflows, newest first.
func (s *Service) ListWorkflows(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	recs, err := s.store.ListWorkflows(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	if recs == nil {
		recs = []domain.WorkflowRecord{}
	}
	return recs, nil
}

// Subscribe attaches h to a workflow's live stream. The returned channel is
// closed once the stream has ended. A run that already finished is replayed
// from its snapshot: connected, every step, then the final status.
func (s *Service) Subscribe(id string, h events.Handler) (func(), <-chan struct{}, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	replayed, sawConnected := false, false
	guarded := func(e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if replayed {
			return
		}
		if e.Type == domain.EventTypeConnected {
			sawConnected = true
		}
		h(e)
	}

	unsubscribe, done := s.bus.SubscribeUntilClosed(id, guarded)
	select {
	case <-sess.Done():
	default:
		return unsubscribe, done, nil
	}

	// The run finished before or while subscribing; its stream may already be
	// gone, so the subscription would never end on its own.
	unsubscribe()
	mu.Lock()
	defer mu.Unlock()
	replayed = true
	run := sess.Snapshot()
	if !sawConnected {
		h(domain.NewConnectedEvent(id))
	}
	for _, res := range run.OrderedResults() {
		r := res
		h(domain.NewNodeUpdateEvent(id, &r))
	}
	at := time.Now()
	if run.CompletedAt != nil {
		at = *run.CompletedAt
	}
	h(domain.NewWorkflowStatusEvent(id, run.Status, run.TotalTokens, run.TotalCostUSD, run.Error, at))

	closed := make(chan struct{})
	close(closed)
	return func() {}, closed, nil
}
