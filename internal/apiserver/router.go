package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slurmboard/slurmboard/internal/apiserver/handler"
	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/rollup"
)

// NewRouter creates the API router with all endpoints. Every route reads the
// artifact tree or the tick journal; handlers never write either, so the
// server can run alongside an active poller.
func NewRouter(cfg *config.Config, tree layout.Tree, store *rollup.Store, jrnl *journal.Journal) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	clusterHandler := handler.NewClusterHandler(cfg.Clusters, tree, store)
	userHandler := handler.NewUserHandler(tree)
	boardHandler := handler.NewLeaderboardHandler(tree)
	tickHandler := handler.NewTickHandler(jrnl)

	r.Get("/healthz", handler.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Clusters
		r.Get("/clusters", clusterHandler.List)
		r.Get("/clusters/{cluster}/cursor", clusterHandler.GetCursor)
		r.Get("/clusters/{cluster}/months", clusterHandler.ListMonths)
		r.Get("/clusters/{cluster}/months/{month}", clusterHandler.GetMonth)
		r.Get("/clusters/{cluster}/seen/{month}", clusterHandler.GetSeenStats)

		// Users
		r.Get("/users/{username}", userHandler.Get)

		// Leaderboards
		r.Get("/leaderboards", boardHandler.List)
		r.Get("/leaderboards/{window}/{metric}", boardHandler.Get)

		// Tick journal
		r.Get("/ticks", tickHandler.List)
	})

	return r
}
