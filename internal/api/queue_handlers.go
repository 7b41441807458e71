package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/SilvioTormen/smtprelay-sub001/internal/queue"
)

// queueItemView is the wire shape for spooled items. The raw message bytes
// stay out of list responses; size is enough for the dashboard.
type queueItemView struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	From        string `json:"from"`
	Recipients  int    `json:"recipients"`
	Bytes       int    `json:"bytes"`
	Attempts    int    `json:"attempts"`
	NextAttempt string `json:"next_attempt"`
	LastError   string `json:"last_error,omitempty"`
	EnqueuedAt  string `json:"enqueued_at"`
}

func viewOf(item *queue.Item) queueItemView {
	return queueItemView{
		ID:          item.ID,
		State:       string(item.State),
		From:        item.Envelope.From,
		Recipients:  len(item.Envelope.To),
		Bytes:       len(item.Envelope.Data),
		Attempts:    item.Attempts,
		NextAttempt: item.NextAttempt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastError:   item.LastError,
		EnqueuedAt:  item.EnqueuedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// handleListQueue lists spooled items, optionally filtered by state.
// GET /api/v1/queue?state=failed_permanent
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var states []queue.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = append(states, queue.State(raw))
	}

	items, err := s.queue.List(states...)
	if err != nil {
		writeJSONError(w, "failed to read spool", http.StatusInternalServerError)
		return
	}

	views := make([]queueItemView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": views,
		"total": len(views),
	})
}

// handleGetQueueItem returns one item including envelope metadata.
// GET /api/v1/queue/{id}
func (s *Server) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, queue.ErrInvalidID) {
			writeJSONError(w, "not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "failed to read item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleRequeue puts a dead-lettered item back into rotation.
// POST /api/v1/queue/{id}/requeue
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Requeue(id); err != nil {
		if os.IsNotExist(err) || errors.Is(err, queue.ErrInvalidID) {
			writeJSONError(w, "not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(queue.StatePending)})
}

// handleRemoveQueueItem drops an item from the spool.
// DELETE /api/v1/queue/{id}
func (s *Server) handleRemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(chi.URLParam(r, "id")); err != nil {
		if os.IsNotExist(err) || errors.Is(err, queue.ErrInvalidID) {
			writeJSONError(w, "not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
