// Package session implements the per-run orchestrator state machine.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/flowrun/internal/autonomy"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/engine"
	"github.com/xiaot623/flowrun/internal/events"
	"github.com/xiaot623/flowrun/internal/graph"
)

// CancelReason is recorded on runs stopped through Cancel.
const CancelReason = "cancelled by caller"

const defaultParallelism = 4

// StepRunner executes a single step.
type StepRunner interface {
	RunStep(ctx context.Context, step domain.Step, sc engine.StepContext) domain.StepResult
}

// StreamCloser ends a workflow's event stream.
type StreamCloser interface {
	Close(workflowID string)
}

// Deps are the collaborators a session drives.
type Deps struct {
	Runner    StepRunner
	Publisher events.Publisher
	// Closer is optional; when set the stream is closed once the run is terminal.
	Closer  StreamCloser
	Decider autonomy.Decider
}

// Options tune a session.
type Options struct {
	// Autonomy overrides the level defaults from autonomy.ConfigFor.
	Autonomy                 *autonomy.Config
	MaxParallelism           int
	CheckpointEvery          int
	CheckpointOnExternalCall bool
	// RunTimeout fails the run when no step is dispatched or committed for this long. Zero disables it.
	RunTimeout time.Duration
}

// Session owns one workflow run. The run record, its results and the
// accumulated context are only mutated under mu.
type Session struct {
	id    string
	graph *graph.Graph
	deps  Deps
	opts  Options
	cfg   autonomy.Config

	mu           sync.Mutex
	run          domain.Run
	runCtx       map[string]interface{}
	gate         *autonomy.Policy
	executing    bool
	paused       bool
	resumeCh     chan struct{}
	stopCh       chan struct{}
	stopped      bool
	stopReason   string
	lastProgress time.Time
	sinceCP      int
	done         chan struct{}
	driveDone    chan struct{}
}

// New validates the steps, gates workflow creation and returns a session in
// the created state.
func New(ctx context.Context, id string, req domain.CreateWorkflowRequest, deps Deps, opts Options) (*Session, error) {
	g, err := graph.Build(req.Steps)
	if err != nil {
		return nil, err
	}
	for _, st := range req.Steps {
		if !st.Kind.Valid() {
			return nil, fmt.Errorf("%w: step %q has unknown kind %q", domain.ErrInvalidGraph, st.ID, st.Kind)
		}
	}

	level, err := autonomy.ParseLevel(string(req.AutonomyLevel))
	if err != nil {
		return nil, err
	}
	cfg := autonomy.ConfigFor(level)
	if opts.Autonomy != nil {
		cfg = *opts.Autonomy
		cfg.Level = level
	}
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = defaultParallelism
	}

	gate := autonomy.New(cfg, deps.Decider)
	if err := gate.Check(ctx, autonomy.ActionWorkflowCreation); err != nil {
		return nil, err
	}

	s := &Session{
		id:    id,
		graph: g,
		deps:  deps,
		opts:  opts,
		cfg:   cfg,
		gate:  gate,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(req)
	s.run.IdempotencyKey = req.IdempotencyKey
	s.publishStatusLocked("")
	return s, nil
}

// Restore rebuilds a session from a checkpoint. Successful and user-skipped
// results are reinstated with their context entries; every other step runs
// again. The session is left in the ready state.
func Restore(ctx context.Context, id string, req domain.CreateWorkflowRequest, deps Deps, opts Options, cp domain.Checkpoint) (*Session, error) {
	s, err := New(ctx, id, req, deps, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.graph.Steps() {
		res, ok := cp.Results[st.ID]
		if !ok || res == nil || !reusable(res) {
			continue
		}
		s.run.Results[st.ID] = res.Clone()
		if res.Status == domain.StepStatusSuccess {
			s.runCtx[st.ContextKey()] = res.Output
		}
	}
	s.run.TotalTokens = cp.TokensUsed
	s.run.TotalCostUSD = cp.CostUSD
	s.gate.RecordCost(cp.TokensUsed, cp.CostUSD)
	s.run.Checkpoints = []domain.Checkpoint{cp}
	s.setStatusLocked(domain.RunStatusReady, "restored from checkpoint "+cp.ID)
	log.Printf("INFO: workflow %s restored from checkpoint %s (%d steps done)", id, cp.ID, len(cp.CompletedSteps))
	return s, nil
}

func reusable(res *domain.StepResult) bool {
	return res.Status == domain.StepStatusSuccess ||
		(res.Status == domain.StepStatusSkipped && res.SkipReason == domain.SkipReasonUser)
}

func (s *Session) initLocked(req domain.CreateWorkflowRequest) {
	results := make(map[string]*domain.StepResult, len(req.Steps))
	for _, st := range req.Steps {
		results[st.ID] = domain.NewPendingResult(st.ID)
	}
	s.run = domain.Run{
		ID:             s.id,
		Steps:          req.Steps,
		Results:        results,
		Status:         domain.RunStatusCreated,
		AutonomyLevel:  s.cfg.Level,
		Input:          req.Input,
		Variables:      req.Variables,
		Checkpoints:    []domain.Checkpoint{},
		StartedAt:      time.Now(),
		IdempotencyKey: s.run.IdempotencyKey,
	}
	s.runCtx = map[string]interface{}{
		"input":     req.Input,
		"variables": req.Variables,
	}
	s.executing = false
	s.paused = false
	s.stopped = false
	s.stopReason = ""
	s.sinceCP = 0
	s.resumeCh = make(chan struct{})
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.driveDone = nil
}

// ID returns the workflow id.
func (s *Session) ID() string {
	return s.id
}

// Start gates the start, moves the run through planning to ready and, at levels
// that auto-advance, approves and begins execution in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.run.Status != domain.RunStatusCreated {
		st := s.run.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", domain.ErrInvalidTransition, st)
	}
	if err := s.gate.Check(ctx, autonomy.ActionWorkflowStart); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStatusLocked(domain.RunStatusPlanning, "")
	s.setStatusLocked(domain.RunStatusReady, "")
	s.mu.Unlock()

	if !s.gate.AutoAdvance(ctx) {
		log.Printf("INFO: workflow %s ready, waiting for approval at level %s", s.id, s.cfg.Level)
		return nil
	}
	if err := s.Approve(ctx); err != nil {
		return err
	}
	return s.ExecuteAsync(context.Background())
}

// Approve records the explicit approval required below the auto-advance levels.
func (s *Session) Approve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != domain.RunStatusReady {
		return fmt.Errorf("%w: cannot approve from %s", domain.ErrInvalidTransition, s.run.Status)
	}
	s.gate.Approve()
	s.run.Approved = true
	return nil
}

// Execute gates external calls and drives the run until no step can make
// progress. It blocks until the run is terminal.
func (s *Session) Execute(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.drive(ctx)
	return nil
}

// ExecuteAsync is Execute that returns once execution has begun.
func (s *Session) ExecuteAsync(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	go s.drive(ctx)
	return nil
}

func (s *Session) begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != domain.RunStatusReady || s.executing {
		return fmt.Errorf("%w: cannot execute from %s", domain.ErrInvalidTransition, s.run.Status)
	}
	if err := s.gate.Check(ctx, autonomy.ActionAPICalls); err != nil {
		return err
	}
	s.executing = true
	s.driveDone = make(chan struct{})
	s.lastProgress = time.Now()
	s.setStatusLocked(domain.RunStatusRunning, "")
	if s.opts.RunTimeout > 0 {
		go s.watchdog(s.done, s.opts.RunTimeout)
	}
	log.Printf("INFO: workflow %s executing %d steps", s.id, s.graph.Len())
	return nil
}

func (s *Session) drive(ctx context.Context) {
	s.mu.Lock()
	driveDone := s.driveDone
	stopCh := s.stopCh
	s.mu.Unlock()
	defer close(driveDone)

	for {
		if !s.waitWhilePaused(ctx) {
			break
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			break
		}
		s.skipBlockedLocked()
		ready := graph.ReadySteps(s.graph, s.run.Results)
		if len(ready) == 0 {
			s.mu.Unlock()
			break
		}
		snapshot := make(map[string]interface{}, len(s.runCtx))
		for k, v := range s.runCtx {
			snapshot[k] = v
		}
		input := s.run.Input
		s.mu.Unlock()

		var g errgroup.Group
		g.SetLimit(s.opts.MaxParallelism)
		for _, st := range ready {
			st := st
			g.Go(func() error {
				if !s.dispatch(st.ID) {
					return nil
				}
				res := s.deps.Runner.RunStep(ctx, st, engine.StepContext{
					RunID:   s.id,
					Input:   input,
					Context: snapshot,
					Gate:    s.gate.Fork(),
					Stop:    stopCh,
				})
				s.commit(st, res)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.finalize()
}

func (s *Session) waitWhilePaused(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.stopped {
		resume, stop := s.resumeCh, s.stopCh
		s.mu.Unlock()
		select {
		case <-resume:
		case <-stop:
		case <-ctx.Done():
		}
		s.mu.Lock()
		if ctx.Err() != nil && !s.stopped {
			s.abortLocked(fmt.Sprintf("execution context ended: %v", ctx.Err()))
		}
	}
	if ctx.Err() != nil && !s.stopped {
		s.abortLocked(fmt.Sprintf("execution context ended: %v", ctx.Err()))
	}
	return !s.stopped
}

// dispatch marks a step running unless the run was paused or stopped since the wave was planned.
func (s *Session) dispatch(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.run.Results[stepID]
	if s.stopped || s.paused || res.Status != domain.StepStatusPending {
		return false
	}
	now := time.Now()
	res.Status = domain.StepStatusRunning
	res.StartedAt = &now
	s.lastProgress = now
	s.publishNodeLocked(res)
	return true
}

func (s *Session) commit(step domain.Step, res domain.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.run.Results[step.ID]
	if cur.Status != domain.StepStatusRunning {
		return
	}
	started := cur.StartedAt
	*cur = *res.Clone()
	cur.StepID = step.ID
	if cur.StartedAt == nil {
		cur.StartedAt = started
	}
	if cur.EndedAt == nil {
		now := time.Now()
		cur.EndedAt = &now
	}

	if cur.Status == domain.StepStatusSuccess {
		key := step.ContextKey()
		if _, exists := s.runCtx[key]; !exists {
			s.runCtx[key] = cur.Output
		}
	}
	s.run.TotalTokens += cur.TokensUsed
	s.run.TotalCostUSD += cur.CostUSD
	s.gate.RecordCost(cur.TokensUsed, cur.CostUSD)
	s.lastProgress = time.Now()
	s.publishNodeLocked(cur)

	s.sinceCP++
	external := step.Kind == domain.StepKindAction && cur.Status != domain.StepStatusSkipped
	if (s.opts.CheckpointEvery > 0 && s.sinceCP >= s.opts.CheckpointEvery) ||
		(s.opts.CheckpointOnExternalCall && external) {
		s.checkpointLocked()
	}
}

// skipBlockedLocked skips, to a fixpoint, every pending step that can no longer run.
func (s *Session) skipBlockedLocked() {
	for {
		blocked := graph.BlockedSteps(s.graph, s.run.Results)
		if len(blocked) == 0 {
			return
		}
		now := time.Now()
		for _, st := range s.graph.Steps() {
			reason, ok := blocked[st.ID]
			if !ok {
				continue
			}
			res := s.run.Results[st.ID]
			res.Status = domain.StepStatusSkipped
			res.SkipReason = reason
			res.EndedAt = &now
			s.publishNodeLocked(res)
		}
	}
}

func (s *Session) finalize() {
	s.mu.Lock()
	if s.run.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if s.stopped {
		for _, st := range s.graph.Steps() {
			res := s.run.Results[st.ID]
			if res.Status == domain.StepStatusPending {
				res.Status = domain.StepStatusSkipped
				res.SkipReason = domain.SkipReasonRunAborted
				res.EndedAt = &now
				s.publishNodeLocked(res)
			}
		}
		s.run.Error = s.stopReason
		s.run.CompletedAt = &now
		s.setStatusLocked(domain.RunStatusFailed, s.stopReason)
	} else {
		s.skipBlockedLocked()
		status, errMsg := s.outcomeLocked()
		s.run.Error = errMsg
		s.run.CompletedAt = &now
		s.setStatusLocked(status, errMsg)
	}
	s.executing = false
	close(s.done)
	tokens, cost, status := s.run.TotalTokens, s.run.TotalCostUSD, s.run.Status
	s.mu.Unlock()

	log.Printf("INFO: workflow %s finished with status %s (tokens=%d cost=%.4f)", s.id, status, tokens, cost)
	if s.deps.Closer != nil {
		s.deps.Closer.Close(s.id)
	}
}

// outcomeLocked applies the final status rule: completed with no errors,
// failed with no successes, partial otherwise.
func (s *Session) outcomeLocked() (domain.RunStatus, string) {
	var errs, successes int
	firstErr := ""
	for _, st := range s.graph.Steps() {
		switch res := s.run.Results[st.ID]; res.Status {
		case domain.StepStatusError:
			errs++
			if firstErr == "" {
				firstErr = fmt.Sprintf("step %s: %s", st.ID, res.Error)
			}
		case domain.StepStatusSuccess:
			successes++
		}
	}
	switch {
	case errs == 0:
		return domain.RunStatusCompleted, ""
	case successes == 0:
		return domain.RunStatusFailed, fmt.Sprintf("%d of %d steps failed; first error: %s", errs, s.graph.Len(), firstErr)
	default:
		return domain.RunStatusPartial, ""
	}
}

func (s *Session) abortLocked(reason string) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.stopReason = reason
	close(s.stopCh)
}

func (s *Session) watchdog(done <-chan struct{}, timeout time.Duration) {
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.executing && !s.paused && !s.stopped && time.Since(s.lastProgress) > timeout {
				reason := fmt.Sprintf("%v: no progress for %s", domain.ErrRunTimeout, timeout)
				log.Printf("WARN: workflow %s %s", s.id, reason)
				s.abortLocked(reason)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

// Pause stops dispatching new steps; running steps finish normally.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != domain.RunStatusRunning {
		return fmt.Errorf("%w: cannot pause from %s", domain.ErrInvalidTransition, s.run.Status)
	}
	s.paused = true
	s.setStatusLocked(domain.RunStatusPaused, "")
	return nil
}

// Resume continues dispatching after Pause.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != domain.RunStatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", domain.ErrInvalidTransition, s.run.Status)
	}
	s.paused = false
	s.lastProgress = time.Now()
	close(s.resumeCh)
	s.resumeCh = make(chan struct{})
	s.setStatusLocked(domain.RunStatusRunning, "")
	return nil
}

// Cancel stops the run: no new steps are dispatched, retry backoffs are
// interrupted and in-flight steps are awaited. The run ends failed with
// CancelReason and its stream is closed.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.run.Status.Terminal() {
		st := s.run.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidTransition, st)
	}
	s.abortLocked(CancelReason)
	driveDone := s.driveDone
	executing := s.executing
	s.mu.Unlock()

	if !executing {
		s.finalize()
		return nil
	}

	select {
	case <-driveDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a finished or not yet running session to created with fresh
// results, context, totals and approval.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing {
		return fmt.Errorf("%w: cannot reset from %s", domain.ErrInvalidTransition, s.run.Status)
	}
	gate := autonomy.New(s.cfg, s.deps.Decider)
	if err := gate.Check(ctx, autonomy.ActionWorkflowCreation); err != nil {
		return err
	}
	if !s.run.Status.Terminal() {
		close(s.done)
	}
	s.gate = gate
	s.initLocked(domain.CreateWorkflowRequest{
		Steps:         s.run.Steps,
		Input:         s.run.Input,
		Variables:     s.run.Variables,
		AutonomyLevel: s.cfg.Level,
	})
	s.publishStatusLocked("reset")
	log.Printf("INFO: workflow %s reset", s.id)
	return nil
}

// SkipStep marks a pending step as skipped by the user. Dependents still run.
func (s *Session) SkipStep(stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status.Terminal() {
		return fmt.Errorf("%w: workflow is %s", domain.ErrInvalidTransition, s.run.Status)
	}
	res, ok := s.run.Results[stepID]
	if !ok {
		return fmt.Errorf("%w: step %s", domain.ErrNotFound, stepID)
	}
	if res.Status != domain.StepStatusPending {
		return fmt.Errorf("%w: step %s is %s", domain.ErrInvalidTransition, stepID, res.Status)
	}
	now := time.Now()
	res.Status = domain.StepStatusSkipped
	res.SkipReason = domain.SkipReasonUser
	res.EndedAt = &now
	s.publishNodeLocked(res)
	return nil
}

// Checkpoint records a checkpoint now.
func (s *Session) Checkpoint() domain.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Session) checkpointLocked() domain.Checkpoint {
	cp := domain.Checkpoint{
		ID:         "cp_" + uuid.New().String()[:8],
		Sequence:   len(s.run.Checkpoints) + 1,
		Results:    make(map[string]*domain.StepResult),
		TokensUsed: s.run.TotalTokens,
		CostUSD:    s.run.TotalCostUSD,
		CreatedAt:  time.Now(),
	}
	for _, st := range s.graph.Steps() {
		res := s.run.Results[st.ID]
		if res.Status.Terminal() {
			cp.CompletedSteps = append(cp.CompletedSteps, st.ID)
			cp.Results[st.ID] = res.Clone()
		}
	}
	s.run.Checkpoints = append(s.run.Checkpoints, cp)
	s.sinceCP = 0
	s.deps.Publisher.Publish(domain.NewCheckpointEvent(s.id, &cp))
	return cp
}

// Snapshot returns a copy of the run record.
func (s *Session) Snapshot() domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.run
	run.Results = make(map[string]*domain.StepResult, len(s.run.Results))
	for id, r := range s.run.Results {
		run.Results[id] = r.Clone()
	}
	run.Checkpoints = append([]domain.Checkpoint(nil), s.run.Checkpoints...)
	run.Approved = s.gate.Approved()
	return run
}

// Status returns the current run status.
func (s *Session) Status() domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Status
}

// Result returns the aggregated result of a terminal run.
func (s *Session) Result() (*domain.AggregatedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.run.Status.Terminal() {
		return nil, fmt.Errorf("%w: workflow is %s", domain.ErrInvalidTransition, s.run.Status)
	}

	var final interface{}
	found := false
	for i := len(s.run.Steps) - 1; i >= 0; i-- {
		if res := s.run.Results[s.run.Steps[i].ID]; res.Status == domain.StepStatusSuccess {
			final, found = res.Output, true
			break
		}
	}
	if !found {
		ctxCopy := make(map[string]interface{}, len(s.runCtx))
		for k, v := range s.runCtx {
			ctxCopy[k] = v
		}
		final = ctxCopy
	}

	return &domain.AggregatedResult{
		Success:      s.run.Status == domain.RunStatusCompleted,
		Status:       s.run.Status,
		Results:      s.run.OrderedResults(),
		FinalOutput:  final,
		TotalTokens:  s.run.TotalTokens,
		TotalCostUSD: s.run.TotalCostUSD,
		Error:        s.run.Error,
	}, nil
}

// Done is closed when the current run reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the run is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setStatusLocked(status domain.RunStatus, reason string) {
	s.run.Status = status
	s.publishStatusLocked(reason)
}

func (s *Session) publishStatusLocked(reason string) {
	s.deps.Publisher.Publish(domain.NewWorkflowStatusEvent(s.id, s.run.Status, s.run.TotalTokens, s.run.TotalCostUSD, reason, time.Now()))
}

func (s *Session) publishNodeLocked(res *domain.StepResult) {
	s.deps.Publisher.Publish(domain.NewNodeUpdateEvent(s.id, res.Clone()))
}
