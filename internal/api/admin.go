package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/config"
)

// HandleRecover requeues jobs left active by a crashed worker. The
// optional stale_after parameter overrides the configured threshold but
// may not reach jobs a live worker could still hold.
func (h *APIHandler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	staleAfter := h.config.Queue.StaleActiveTTL
	if raw := r.URL.Query().Get("stale_after"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "Invalid stale_after, use a duration like 10m", http.StatusBadRequest)
			return
		}
		if held := h.config.Dispatcher.JobTimeout + config.JobFinishWindow; d <= held {
			http.Error(w, fmt.Sprintf("stale_after must exceed %v, the longest a worker holds a job", held), http.StatusBadRequest)
			return
		}
		staleAfter = d
	}

	n, err := h.queue.Recover(r.Context(), staleAfter)
	if err != nil {
		h.serverError(w, "Failed to recover jobs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"recovered":   n,
		"stale_after": staleAfter.String(),
	})
}
