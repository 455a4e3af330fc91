package handler

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/leaderboard"
)

// LeaderboardHandler serves the cross-cluster leaderboard documents.
type LeaderboardHandler struct {
	tree layout.Tree
}

// NewLeaderboardHandler creates a new LeaderboardHandler.
func NewLeaderboardHandler(tree layout.Tree) *LeaderboardHandler {
	return &LeaderboardHandler{tree: tree}
}

// BoardInfo is one row of the leaderboard index.
type BoardInfo struct {
	Window string `json:"window"`
	Metric string `json:"metric"`
	Asof   string `json:"asof,omitempty"`
	Users  int    `json:"users"`
}

// List indexes the (window, metric) boards that have been built.
func (h *LeaderboardHandler) List(w http.ResponseWriter, _ *http.Request) {
	boards := make([]BoardInfo, 0, len(leaderboard.Windows)*len(leaderboard.MetricNames))
	for _, window := range leaderboard.Windows {
		for _, metric := range leaderboard.MetricNames {
			var doc leaderboard.Document
			if err := fsio.ReadJSON(h.tree.LeaderboardPath(window, metric), &doc); err != nil {
				continue
			}
			boards = append(boards, BoardInfo{
				Window: window,
				Metric: metric,
				Asof:   doc.Asof,
				Users:  len(doc.Rows),
			})
		}
	}
	writeJSON(w, http.StatusOK, boards)
}

// Get returns one leaderboard document.
func (h *LeaderboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	window := chi.URLParam(r, "window")
	metric := chi.URLParam(r, "metric")
	if !leaderboard.IsWindow(window) || !leaderboard.IsMetric(metric) {
		writeError(w, http.StatusNotFound, "unknown leaderboard "+window+"/"+metric)
		return
	}
	var doc leaderboard.Document
	if err := fsio.ReadJSON(h.tree.LeaderboardPath(window, metric), &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "leaderboard not built yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "reading leaderboard: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
