package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
)

// taskSSEEvent is a single SSE event sent to the client: a replayed or live
// progress entry, or the terminal state change that ends the stream.
type taskSSEEvent struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Payload string `json:"payload,omitempty"`
	Status  string `json:"status,omitempty"`
}

// handleTaskEvents implements GET /api/tasks/{id}/events?from_seq=N.
// It replays the persisted progress log past from_seq, then forwards live
// entries until the task reaches a terminal state. The bus subscription is
// opened before the replay query and every bus event triggers a store
// re-query from the high-water mark, so the replay/live boundary has no gap
// and no duplicate.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	var fromSeq int64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "from_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		fromSeq = n
	}

	ctx := r.Context()

	if _, err := s.cfg.Store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the replay query so entries committed during the
	// replay still produce a bus wakeup.
	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	mark := fromSeq
	drain := func() bool {
		entries, err := s.cfg.Store.ListProgressFrom(ctx, taskID, mark, 1000)
		if err != nil {
			slog.Error("sse: progress query", "task_id", taskID, "error", err)
			return false
		}
		for _, entry := range entries {
			if !s.writeSSE(w, flusher, taskSSEEvent{
				Type:    "progress",
				Seq:     entry.Seq,
				Kind:    entry.Kind,
				Payload: entry.Payload,
			}) {
				return false
			}
			if entry.Seq > mark {
				mark = entry.Seq
			}
		}
		return true
	}

	if !drain() {
		return
	}
	// Re-check the status after subscribing: a task that went terminal
	// between the existence check and the subscription would otherwise
	// never produce another bus event.
	if task, err := s.cfg.Store.GetTask(ctx, taskID); err == nil && task.Status.Terminal() {
		s.writeSSE(w, flusher, taskSSEEvent{Type: "state", Status: string(task.Status)})
		return
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnected.
			slog.Debug("sse: client disconnected", "task_id", taskID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			switch payload := event.Payload.(type) {
			case bus.ProgressEvent:
				if payload.TaskID != taskID {
					continue
				}
				if !drain() {
					return
				}

			case bus.StateEvent:
				if payload.TaskID != taskID {
					continue
				}
				if !store.Status(payload.To).Terminal() {
					continue
				}
				// Flush anything committed alongside the transition,
				// then signal the end of the stream.
				if !drain() {
					return
				}
				s.writeSSE(w, flusher, taskSSEEvent{Type: "state", Status: payload.To})
				return

			default:
				continue
			}
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev taskSSEEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sse: marshal event", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		slog.Debug("sse: write failed (client disconnected?)", "error", err)
		return false
	}
	flusher.Flush()
	return true
}
