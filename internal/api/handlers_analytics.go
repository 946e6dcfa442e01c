package api

import (
	"net/http"
)

// HandleGetAnalyticsSummary returns high-level job and catalog counts.
func (h *APIHandler) HandleGetAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.database.GetAnalyticsSummary(r.Context())
	if err != nil {
		h.serverError(w, "Failed to fetch analytics summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleGetTimeSeriesData returns job outcomes per day.
func (h *APIHandler) HandleGetTimeSeriesData(w http.ResponseWriter, r *http.Request) {
	data, err := h.database.GetTimeSeriesData(r.Context(), queryInt(r, "days", 30, 365))
	if err != nil {
		h.serverError(w, "Failed to fetch time series data", err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// HandleGetTargetTypeStats returns job metrics per target type.
func (h *APIHandler) HandleGetTargetTypeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.database.GetTargetTypeStats(r.Context())
	if err != nil {
		h.serverError(w, "Failed to fetch target type stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleGetRecentFailures returns the latest failed jobs.
func (h *APIHandler) HandleGetRecentFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.database.GetRecentFailures(r.Context(), queryInt(r, "limit", 20, 100))
	if err != nil {
		h.serverError(w, "Failed to fetch recent failures", err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}
