package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	closehttp "github.com/odyssey-erp/taxclose/internal/close/http"
	"github.com/odyssey-erp/taxclose/internal/observability"
	"github.com/odyssey-erp/taxclose/internal/platform/httpx"
	"github.com/odyssey-erp/taxclose/internal/rbac"
	taxprofilehttp "github.com/odyssey-erp/taxclose/internal/taxprofile/http"
	"github.com/odyssey-erp/taxclose/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	RBACMiddleware    rbac.Middleware
	CloseHandler      *closehttp.Handler
	TaxProfileHandler *taxprofilehttp.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		RBAC:    params.RBACMiddleware,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.CloseHandler != nil {
		params.CloseHandler.MountRoutes(r)
	}
	if params.TaxProfileHandler != nil {
		params.TaxProfileHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	return r
}
