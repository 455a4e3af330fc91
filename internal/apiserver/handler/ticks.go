package handler

import (
	"net/http"
	"strconv"

	"github.com/slurmboard/slurmboard/internal/journal"
)

// TickHandler serves recent tick runs from the journal.
type TickHandler struct {
	journal *journal.Journal
}

// NewTickHandler creates a new TickHandler. A nil journal is tolerated;
// the endpoint then reports unavailable.
func NewTickHandler(j *journal.Journal) *TickHandler {
	return &TickHandler{journal: j}
}

// List returns ticks in reverse chronological order, optionally scoped by
// ?cluster= and capped by ?limit=.
func (h *TickHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "tick journal unavailable")
		return
	}
	cluster := r.URL.Query().Get("cluster")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ticks, err := h.journal.RecentTicks(cluster, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading journal: "+err.Error())
		return
	}
	if ticks == nil {
		ticks = []journal.TickRecord{}
	}
	writeJSON(w, http.StatusOK, ticks)
}
