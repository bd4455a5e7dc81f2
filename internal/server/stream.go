package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// pingInterval keeps idle SSE connections open through proxies.
var pingInterval = 30 * time.Second

// EventBroadcaster fans trial events out to SSE clients.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[chan experiment.TrialEvent]bool
	lastEvent *experiment.TrialEvent
	closed    bool
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[chan experiment.TrialEvent]bool),
	}
}

// Subscribe adds a client. The returned channel is closed by Unsubscribe or
// CloseAll.
func (eb *EventBroadcaster) Subscribe() chan experiment.TrialEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan experiment.TrialEvent, 64)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.clients[ch] = true

	// Replay for reconnecting clients
	if eb.lastEvent != nil {
		ch <- *eb.lastEvent
	}

	slog.Debug("SSE client subscribed", "total_clients", len(eb.clients))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(ch chan experiment.TrialEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.clients[ch] {
		delete(eb.clients, ch)
		close(ch)
	}
	slog.Debug("SSE client unsubscribed", "total_clients", len(eb.clients))
}

// Broadcast sends an event to every client. Slow clients miss events rather
// than block the run controller.
func (eb *EventBroadcaster) Broadcast(event experiment.TrialEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent = &event
	for ch := range eb.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "trial", event.Index, "status", event.Status)
		}
	}
}

// CloseAll disconnects every client and rejects new ones.
func (eb *EventBroadcaster) CloseAll() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients {
		close(ch)
	}
	eb.clients = make(map[chan experiment.TrialEvent]bool)
	eb.closed = true
}

// handleEvents handles GET /api/v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := s.board.broadcaster.Subscribe()
	defer s.board.broadcaster.Unsubscribe(eventChan)

	if err := writeSSEEvent(w, "run", s.board.Run()); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected")
			return

		case event, ok := <-eventChan:
			if !ok {
				// Run finished; send the final state before closing.
				if err := writeSSEEvent(w, "run", s.board.Run()); err == nil {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, "trial", event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a named event in SSE format
func writeSSEEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
