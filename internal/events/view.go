package events

import (
	"sync"

	"github.com/xiaot623/flowrun/internal/domain"
)

type nodeKey struct {
	workflowID string
	nodeID     string
	status     domain.StepStatus
}

type nodeState struct {
	result domain.StepResult
	seq    uint64
}

type workflowState struct {
	status      domain.RunStatus
	seq         uint64
	tokens      int
	cost        float64
	nodes       map[string]nodeState
	checkpoints []domain.Checkpoint
	seenCP      map[string]bool
}

// View is a consumer-side projection of one or more workflow streams.
// Applying the same event more than once leaves it unchanged: node updates are
// keyed by (workflowId, nodeId, status) and resolved last-write-wins by seq.
type View struct {
	mu        sync.RWMutex
	workflows map[string]*workflowState
	applied   map[nodeKey]uint64
}

// NewView creates an empty view.
func NewView() *View {
	return &View{
		workflows: make(map[string]*workflowState),
		applied:   make(map[nodeKey]uint64),
	}
}

func (v *View) workflow(id string) *workflowState {
	w, ok := v.workflows[id]
	if !ok {
		w = &workflowState{nodes: make(map[string]nodeState), seenCP: make(map[string]bool)}
		v.workflows[id] = w
	}
	return w
}

// Apply folds an event into the view and reports whether it changed anything.
func (v *View) Apply(e domain.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	w := v.workflow(e.WorkflowID)
	switch e.Type {
	case domain.EventTypeNodeUpdate:
		if e.Node == nil {
			return false
		}
		key := nodeKey{e.WorkflowID, e.Node.StepID, e.Node.Status}
		if seq, ok := v.applied[key]; ok && seq >= e.Seq {
			return false
		}
		cur, exists := w.nodes[e.Node.StepID]
		if exists && cur.seq > e.Seq {
			return false
		}
		if exists && cur.result.Status.Terminal() && !e.Node.Status.Terminal() {
			return false
		}
		v.applied[key] = e.Seq
		w.nodes[e.Node.StepID] = nodeState{result: *e.Node.Clone(), seq: e.Seq}
		return true

	case domain.EventTypeWorkflowStatus:
		if w.status != "" && w.seq >= e.Seq {
			return false
		}
		w.status = e.Status
		w.seq = e.Seq
		if e.TokensUsed != nil {
			w.tokens = *e.TokensUsed
		}
		if e.CostUSD != nil {
			w.cost = *e.CostUSD
		}
		return true

	case domain.EventTypeCheckpoint:
		if e.Checkpoint == nil || w.seenCP[e.Checkpoint.ID] {
			return false
		}
		w.seenCP[e.Checkpoint.ID] = true
		w.checkpoints = append(w.checkpoints, *e.Checkpoint)
		return true
	}
	return false
}

// Node returns the latest known result of a node.
func (v *View) Node(workflowID, nodeID string) (domain.StepResult, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	w, ok := v.workflows[workflowID]
	if !ok {
		return domain.StepResult{}, false
	}
	n, ok := w.nodes[nodeID]
	return n.result, ok
}

// Nodes returns the latest result of every known node of a workflow.
func (v *View) Nodes(workflowID string) map[string]domain.StepResult {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]domain.StepResult)
	if w, ok := v.workflows[workflowID]; ok {
		for id, n := range w.nodes {
			out[id] = n.result
		}
	}
	return out
}

// Status returns the last workflow status with its token and cost totals.
func (v *View) Status(workflowID string) (domain.RunStatus, int, float64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if w, ok := v.workflows[workflowID]; ok {
		return w.status, w.tokens, w.cost
	}
	return "", 0, 0
}

// Checkpoints returns the checkpoints seen for a workflow, in arrival order.
func (v *View) Checkpoints(workflowID string) []domain.Checkpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if w, ok := v.workflows[workflowID]; ok {
		return append([]domain.Checkpoint(nil), w.checkpoints...)
	}
	return nil
}
