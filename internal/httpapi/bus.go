package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const (
	busSubscriberBuffer = 64
	busWriteTimeout     = 5 * time.Second
)

type busSubscriber struct {
	models map[string]bool
	ch     chan orm.ChangeEvent
}

func (s *busSubscriber) wants(event orm.ChangeEvent) bool {
	return len(s.models) == 0 || s.models[event.Model]
}

// busHub fans change events out to websocket subscribers. A subscriber that
// falls behind loses events rather than stalling the others.
type busHub struct {
	mu          sync.Mutex
	subscribers map[*busSubscriber]struct{}
	closed      bool
	logger      *slog.Logger
}

func newBusHub(logger *slog.Logger) *busHub {
	return &busHub{subscribers: map[*busSubscriber]struct{}{}, logger: logger}
}

// run pumps events from next until ctx ends, then disconnects every
// subscriber.
func (h *busHub) run(ctx context.Context, next func(context.Context) (orm.ChangeEvent, bool)) {
	defer h.closeAll()
	for {
		event, ok := next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		h.publish(event)
	}
}

func (h *busHub) publish(event orm.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("bus subscriber lagging, event dropped", "event_id", event.EventID, "model", event.Model)
		}
	}
}

func (h *busHub) subscribe(models []string) (*busSubscriber, bool) {
	sub := &busSubscriber{models: map[string]bool{}, ch: make(chan orm.ChangeEvent, busSubscriberBuffer)}
	for _, model := range models {
		if model != "" {
			sub.models[model] = true
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.subscribers[sub] = struct{}{}
	return sub, true
}

func (h *busHub) unsubscribe(sub *busSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

func (h *busHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *busHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request, login string) {
	sub, ok := s.hub.subscribe(r.URL.Query()["model"])
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "bus is shutting down", getCorrelationID(r))
		return
	}
	defer s.hub.unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("bus accept failed", "login", login, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("bus subscriber connected", "login", login, "models", r.URL.Query()["model"])

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, busWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
