package apiserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/rollup"
)

// NewServer creates a new HTTP server for the REST API.
func NewServer(cfg *config.Config, tree layout.Tree, store *rollup.Store, jrnl *journal.Journal) *http.Server {
	router := NewRouter(cfg, tree, store, jrnl)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIServer.Address, cfg.APIServer.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
