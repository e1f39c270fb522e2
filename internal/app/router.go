package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	analysishttp "github.com/aegis-grc/aegis/internal/analysis/http"
	findingshttp "github.com/aegis-grc/aegis/internal/findings/http"
	graphhttp "github.com/aegis-grc/aegis/internal/graph/http"
	"github.com/aegis-grc/aegis/internal/observability"
	"github.com/aegis-grc/aegis/internal/shared"
	snapshothttp "github.com/aegis-grc/aegis/internal/snapshot/http"
	"github.com/aegis-grc/aegis/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AnalysisHandler *analysishttp.Handler
	SnapshotHandler *snapshothttp.Handler
	FindingsHandler *findingshttp.Handler
	GraphHandler    *graphhttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Aegis defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(shared.RequireTenant)
		if params.AnalysisHandler != nil {
			params.AnalysisHandler.MountRoutes(r)
		}
		if params.SnapshotHandler != nil {
			params.SnapshotHandler.MountRoutes(r)
		}
		if params.FindingsHandler != nil {
			params.FindingsHandler.MountRoutes(r)
		}
		if params.GraphHandler != nil {
			params.GraphHandler.MountRoutes(r)
		}
	})

	return r
}
