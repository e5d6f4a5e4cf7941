package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Live Event Feed ────────────────────────────────────────────────────────
// Committed economy events streamed to the front end over Server-Sent
// Events. The hub is an event bus subscriber; slow clients miss events
// rather than slowing the bus down.

// EventHub fans committed events out to connected SSE clients.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan domain.Event]struct{}
}

// NewEventHub creates a new event broadcast hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[chan domain.Event]struct{}),
	}
}

// Broadcast sends an event to all connected clients.
func (h *EventHub) Broadcast(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Client too slow, drop message
		}
	}
}

// Handle adapts Broadcast to the event bus handler signature.
func (h *EventHub) Handle(ev domain.Event) error {
	h.Broadcast(ev)
	return nil
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *EventHub) Subscribe() (chan domain.Event, func()) {
	ch := make(chan domain.Event, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stream serves the live feed via Server-Sent Events until the client goes
// away. scope is an account scope, not a community id; empty filters match
// everything.
func (h *EventHub) Stream(w http.ResponseWriter, r *http.Request, scope, user string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !matches(ev, scope, user) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + string(ev.Type) + "\n"))
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// handleEvents maps the community filter onto the account scope events
// carry, then streams.
// GET /v1/events?scope=<community>&user=<user>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := ""
	if community := q.Get("scope"); community != "" {
		scope = s.svc.Ledger.Scope(community)
	}
	s.hub.Stream(w, r, scope, q.Get("user"))
}

func matches(ev domain.Event, scope, user string) bool {
	if scope != "" && ev.Scope != scope {
		return false
	}
	if user == "" {
		return true
	}
	for _, u := range ev.Users {
		if u == user {
			return true
		}
	}
	return false
}
