package relay

import (
	"sync"

	"makeover/internal/events"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

// hub fans events out to SSE subscribers keyed by project or client app.
type hub struct {
	mu      sync.Mutex
	streams map[string][]chan events.Event
}

func newHub() *hub {
	return &hub{streams: make(map[string][]chan events.Event)}
}

func projectKey(id string) string { return "project:" + id }
func clientKey(id string) string  { return "client:" + id }

func (h *hub) register(key string) chan events.Event {
	ch := make(chan events.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[key] = append(h.streams[key], ch)
	return ch
}

// unregister removes target; it is a no-op when the stream was already
// dropped.
func (h *hub) unregister(key string, target chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.streams[key]
	if len(current) == 0 {
		return
	}

	remaining := current[:0]
	for _, ch := range current {
		if ch == target {
			continue
		}
		remaining = append(remaining, ch)
	}

	if len(remaining) == 0 {
		delete(h.streams, key)
		return
	}
	h.streams[key] = remaining
}

func (h *hub) publish(key string, ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.streams[key] {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"stream":     key,
				"event":      ev.Type,
				"project_id": ev.ProjectID,
			}).Warn("dropping sse message due to slow consumer")
		}
	}
}

// drop closes every subscriber of key and reports how many there were.
func (h *hub) drop(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.streams[key]
	delete(h.streams, key)
	for _, ch := range current {
		close(ch)
	}
	return len(current)
}

func (h *hub) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[key])
}
