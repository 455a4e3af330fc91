package handler

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/months"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/internal/seenset"
)

// ClusterHandler serves the per-cluster artifact endpoints. Cluster names
// are validated against the configured list before they touch a path.
type ClusterHandler struct {
	clusters []config.ClusterConfig
	tree     layout.Tree
	store    *rollup.Store
}

// NewClusterHandler creates a new ClusterHandler.
func NewClusterHandler(clusters []config.ClusterConfig, tree layout.Tree, store *rollup.Store) *ClusterHandler {
	return &ClusterHandler{clusters: clusters, tree: tree, store: store}
}

func (h *ClusterHandler) known(name string) bool {
	for _, cl := range h.clusters {
		if cl.Name == name {
			return true
		}
	}
	return false
}

// ClusterSummary is one row of the cluster index.
type ClusterSummary struct {
	Name              string  `json:"name"`
	BackfillStart     string  `json:"backfill_start,omitempty"`
	InProgress        *string `json:"in_progress"`
	LastCompleteMonth *string `json:"last_complete_month"`
	Months            int     `json:"months"`
}

// List returns the configured clusters with their cursor summaries.
func (h *ClusterHandler) List(w http.ResponseWriter, _ *http.Request) {
	out := make([]ClusterSummary, 0, len(h.clusters))
	for _, cl := range h.clusters {
		// A cluster that has not ticked yet reports the zero cursor.
		var st cursor.State
		_ = fsio.ReadJSON(h.tree.CursorPath(cl.Name), &st)
		out = append(out, ClusterSummary{
			Name:              cl.Name,
			BackfillStart:     st.BackfillStart,
			InProgress:        st.InProgress,
			LastCompleteMonth: st.LastCompleteMonth,
			Months:            len(h.tree.Months(cl.Name)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCursor returns one cluster's poll cursor document.
func (h *ClusterHandler) GetCursor(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")
	if !h.known(cluster) {
		writeError(w, http.StatusNotFound, "unknown cluster "+cluster)
		return
	}
	var st cursor.State
	if err := fsio.ReadJSON(h.tree.CursorPath(cluster), &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "cursor not initialized for "+cluster)
			return
		}
		writeError(w, http.StatusInternalServerError, "reading cursor: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MonthList is the response of the month index endpoint.
type MonthList struct {
	Cluster string   `json:"cluster"`
	Months  []string `json:"months"`
}

// ListMonths returns the months that have a rollup file, ascending.
func (h *ClusterHandler) ListMonths(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")
	if !h.known(cluster) {
		writeError(w, http.StatusNotFound, "unknown cluster "+cluster)
		return
	}
	list := h.tree.Months(cluster)
	if list == nil {
		list = []string{}
	}
	writeJSON(w, http.StatusOK, MonthList{Cluster: cluster, Months: list})
}

// GetMonth returns one monthly rollup document.
func (h *ClusterHandler) GetMonth(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")
	if !h.known(cluster) {
		writeError(w, http.StatusNotFound, "unknown cluster "+cluster)
		return
	}
	month := chi.URLParam(r, "month")
	if _, err := months.Parse(month); err != nil {
		writeError(w, http.StatusNotFound, "invalid month key "+month)
		return
	}
	doc, err := h.store.LoadMonthlyDoc(cluster, month)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no rollup for "+cluster+" "+month)
			return
		}
		writeError(w, http.StatusInternalServerError, "reading rollup: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// SeenStats is the response of the seen-set stats endpoint. The bitset
// itself never leaves the artifact tree.
type SeenStats struct {
	Cluster string        `json:"cluster"`
	Month   string        `json:"month"`
	Stats   seenset.Stats `json:"stats"`
}

// GetSeenStats returns one month's seen-set summary.
func (h *ClusterHandler) GetSeenStats(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")
	if !h.known(cluster) {
		writeError(w, http.StatusNotFound, "unknown cluster "+cluster)
		return
	}
	month := chi.URLParam(r, "month")
	if _, err := months.Parse(month); err != nil {
		writeError(w, http.StatusNotFound, "invalid month key "+month)
		return
	}
	set, err := seenset.Load(h.tree.SeenPath(cluster, month))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no seen-set for "+cluster+" "+month)
			return
		}
		writeError(w, http.StatusInternalServerError, "reading seen-set: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SeenStats{Cluster: cluster, Month: month, Stats: set.Stats()})
}
