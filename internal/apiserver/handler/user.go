package handler

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slurmboard/slurmboard/internal/fsio"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/rollup"
)

// UserHandler serves user aggregate documents.
type UserHandler struct {
	tree layout.Tree
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(tree layout.Tree) *UserHandler {
	return &UserHandler{tree: tree}
}

// Get merges the user's per-cluster aggregate files into one document.
// Usernames are matched in lowercase, the pipeline's canonical form.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	username := strings.ToLower(chi.URLParam(r, "username"))
	merged := rollup.UserAggregate{
		Clusters:      make(map[string]*rollup.ClusterEntry),
		SchemaVersion: rollup.SchemaVersion,
		Username:      username,
	}
	found := false
	for _, cluster := range h.tree.Clusters() {
		path := h.tree.UserPath(cluster, username)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var doc rollup.UserAggregate
		if err := fsio.ReadJSON(path, &doc); err != nil {
			writeError(w, http.StatusInternalServerError, "reading aggregate: "+err.Error())
			return
		}
		for name, entry := range doc.Clusters {
			merged.Clusters[name] = entry
		}
		found = true
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown user "+username)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}
