package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowrun/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// eventQueue buffers stream events between the bus and a connection writer.
// push never blocks, so a slow client cannot stall replay or delivery.
type eventQueue struct {
	mu     sync.Mutex
	events []domain.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e domain.Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evts := q.events
	q.events = nil
	return evts
}

// subscription is a live feed of one workflow's events.
type subscription struct {
	queue       *eventQueue
	unsubscribe func()
	done        <-chan struct{}
}

func (h *Handler) subscribe(id string) (*subscription, error) {
	q := newEventQueue()
	unsubscribe, done, err := h.service.Subscribe(id, q.push)
	if err != nil {
		return nil, err
	}
	return &subscription{queue: q, unsubscribe: unsubscribe, done: done}, nil
}

// pump forwards events to write until the stream ends, ctx ends or a write
// fails. tick, when non-nil, is called on every ping interval.
func (s *subscription) pump(ctx context.Context, write func(domain.Event) error, tick func() error) {
	defer s.unsubscribe()

	var ticks <-chan time.Time
	if tick != nil {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	flush := func() error {
		for _, e := range s.queue.take() {
			if err := write(e); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-s.queue.notify:
			if err := flush(); err != nil {
				return
			}
		case <-s.done:
			flush()
			return
		case <-ticks:
			if err := tick(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// StreamEvents streams a workflow's events as server-sent events.
// GET /v1/workflows/:id/events
func (h *Handler) StreamEvents(c echo.Context) error {
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	sub, err := h.subscribe(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub.pump(c.Request().Context(), func(e domain.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp.Writer, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, nil)
	return nil
}

// StreamWebSocket pushes a workflow's events over a WebSocket connection.
// Each message is one JSON event; the server closes the socket when the stream ends.
// GET /v1/workflows/:id/stream
func (h *Handler) StreamWebSocket(c echo.Context) error {
	id := c.Param("id")
	sub, err := h.subscribe(id)
	if err != nil {
		return writeError(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		sub.unsubscribe()
		log.Printf("WARN: failed to upgrade WebSocket: %v", err)
		return nil
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only serve control frames; the stream is server to client.
	go func() {
		defer cancel()
		ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("WARN: WebSocket error on workflow %s: %v", id, err)
				}
				return
			}
		}
	}()

	sub.pump(ctx, func(e domain.Event) error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(e)
	}, func() error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteMessage(websocket.PingMessage, nil)
	})

	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
	return nil
}
