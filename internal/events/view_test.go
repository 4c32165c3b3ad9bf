package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xiaot623/flowrun/internal/domain"
)

func sequence() []domain.Event {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []domain.Event{
		domain.NewConnectedEvent("wf"),
		nodeEvent("wf", "a", domain.StepStatusRunning),
		nodeEvent("wf", "a", domain.StepStatusSuccess),
		nodeEvent("wf", "b", domain.StepStatusRunning),
		nodeEvent("wf", "b", domain.StepStatusError),
		domain.NewCheckpointEvent("wf", &domain.Checkpoint{ID: "cp_1", Sequence: 1, TokensUsed: 10, CreatedAt: now}),
		domain.NewWorkflowStatusEvent("wf", domain.RunStatusPartial, 10, 0.1, "", now),
	}
	for i := range events {
		events[i].Seq = uint64(i)
	}
	return events
}

func TestView_IdempotentApply(t *testing.T) {
	once := NewView()
	for _, e := range sequence() {
		once.Apply(e)
	}

	twice := NewView()
	for _, e := range sequence() {
		twice.Apply(e)
		assert.False(t, twice.Apply(e), "re-applying %s changed the view", e.Type)
	}

	assert.Equal(t, once.Nodes("wf"), twice.Nodes("wf"))
	assert.Equal(t, once.Checkpoints("wf"), twice.Checkpoints("wf"))
	s1, t1, c1 := once.Status("wf")
	s2, t2, c2 := twice.Status("wf")
	assert.Equal(t, s1, s2)
	assert.Equal(t, t1, t2)
	assert.Equal(t, c1, c2)

	a, ok := twice.Node("wf", "a")
	assert.True(t, ok)
	assert.Equal(t, domain.StepStatusSuccess, a.Status)
	assert.Equal(t, domain.RunStatusPartial, s2)
	assert.Len(t, twice.Checkpoints("wf"), 1)
}

func TestView_ReplayAfterLaterEventsIsIgnored(t *testing.T) {
	v := NewView()
	events := sequence()
	for _, e := range events {
		v.Apply(e)
	}

	// A duplicate of an earlier running update arrives late.
	assert.False(t, v.Apply(events[1]))
	a, _ := v.Node("wf", "a")
	assert.Equal(t, domain.StepStatusSuccess, a.Status)

	stale := nodeEvent("wf", "b", domain.StepStatusRunning)
	stale.Seq = 2
	assert.False(t, v.Apply(stale))
	b, _ := v.Node("wf", "b")
	assert.Equal(t, domain.StepStatusError, b.Status)
}
