package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/internal/session"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
)

// Dependencies holds all injected dependencies for the ops HTTP server.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Store        session.Store
	Registry     *definition.Registry
	Engine       *workflow.Engine
	Ready        observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware; everything under /v1 requires an admin token
// and is only mounted when the admin API is enabled.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	if !deps.Config.Admin.Enabled {
		return r
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/workflows", handleWorkflowList(deps.Registry))
		r.Get("/sessions", handleSessionList(deps.Store))
		r.Get("/sessions/{sessionID}", handleSessionGet(deps.Store))
		r.Delete("/sessions/{sessionID}", handleSessionDelete(deps.Store, deps.Logger))
		r.Delete("/sessions/{sessionID}/workflow", handleWorkflowCancel(deps.Store, deps.Engine, deps.Logger))
	})

	return r
}
