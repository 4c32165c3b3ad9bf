// Package events delivers workflow state transitions to subscribers.
package events

import (
	"sync"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Handler receives events for one subscription, one at a time, in order.
type Handler func(domain.Event)

// Publisher publishes events onto the stream of their workflow.
type Publisher interface {
	Publish(e domain.Event)
}

// Subscriber attaches handlers to a workflow's stream.
type Subscriber interface {
	Subscribe(workflowID string, h Handler) (unsubscribe func())
}

// Bus is an in-process pub/sub with one logical stream per workflow.
// Each subscriber has its own unbounded FIFO queue and delivery goroutine, so
// Publish never blocks on a slow subscriber and never drops events.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	seq    uint64
	nextID uint64
	subs   map[uint64]*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

func (b *Bus) stream(workflowID string) *stream {
	s, ok := b.streams[workflowID]
	if !ok {
		s = &stream{subs: make(map[uint64]*subscription)}
		b.streams[workflowID] = s
	}
	return s
}

// Publish assigns the next sequence number of the workflow's stream and
// enqueues the event for every current subscriber.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(e.WorkflowID)
	s.seq++
	e.Seq = s.seq
	for _, sub := range s.subs {
		sub.push(e)
	}
}

// Subscribe attaches h to the workflow's stream. h first receives a synthetic
// connected event, then every event published after this call.
func (b *Bus) Subscribe(workflowID string, h Handler) func() {
	unsubscribe, _ := b.SubscribeUntilClosed(workflowID, h)
	return unsubscribe
}

// SubscribeUntilClosed is Subscribe that also returns a channel closed once the
// stream has been closed and every queued event has been delivered.
func (b *Bus) SubscribeUntilClosed(workflowID string, h Handler) (func(), <-chan struct{}) {
	b.mu.Lock()
	s := b.stream(workflowID)
	s.nextID++
	id := s.nextID
	sub := newSubscription(h)
	connected := domain.NewConnectedEvent(workflowID)
	connected.Seq = s.seq
	sub.push(connected)
	s.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.streams[workflowID]; ok && cur == s {
				delete(s.subs, id)
			}
			b.mu.Unlock()
			sub.stop(false)
		})
	}, sub.done
}

// Close ends the workflow's stream. Subscribers receive what was already queued
// and are then detached. A later Publish or Subscribe starts a fresh stream.
func (b *Bus) Close(workflowID string) {
	b.mu.Lock()
	s, ok := b.streams[workflowID]
	delete(b.streams, workflowID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range s.subs {
		sub.stop(true)
	}
}

// Shutdown closes every stream.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Close(id)
	}
}

// SubscriberCount reports the number of subscribers on a workflow's stream.
func (b *Bus) SubscriberCount(workflowID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[workflowID]; ok {
		return len(s.subs)
	}
	return 0
}

type subscription struct {
	handler Handler
	done    chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.Event
	stopped bool
	drain   bool
}

func newSubscription(h Handler) *subscription {
	s := &subscription{handler: h, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) push(e domain.Event) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// stop ends delivery. With drain, queued events are still delivered first.
func (s *subscription) stop(drain bool) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.drain = drain
		if !drain {
			s.queue = nil
		}
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 || (s.stopped && !s.drain) {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = domain.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(e)
	}
}
