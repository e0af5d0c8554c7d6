package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/frostline/frostline/internal/auth"
	"github.com/frostline/frostline/internal/observability"
	"github.com/frostline/frostline/internal/platform/httpx"
	"github.com/frostline/frostline/internal/rbac"
	"github.com/frostline/frostline/jobs"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	AuthService *auth.Service
	AuthHandler *auth.Handler
	RBACHandler *rbac.Handler
	// RBAC guards operator routes such as the job queue health.
	RBAC       *rbac.Middleware
	JobHandler *jobs.Handler
	Metrics     *observability.Metrics
	// Health maps a dependency name to its probe.
	Health map[string]Pinger
}

// NewRouter constructs the chi.Router with Frostline defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(requestLogger(params.Logger))

	r.Get("/healthz", healthHandler(params.Health))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.RBACHandler != nil && params.AuthService != nil {
			r.Route("/rbac", func(r chi.Router) {
				r.Use(auth.Authenticate(params.AuthService, params.Logger))
				params.RBACHandler.MountRoutes(r)
			})
		}
		if params.JobHandler != nil && params.AuthService != nil && params.RBAC != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(auth.Authenticate(params.AuthService, params.Logger))
				r.Use(params.RBAC.RequireAll(rbac.PermAdminAccess))
				params.JobHandler.MountRoutes(r)
			})
		}
	})
	return r
}

func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make(map[string]string, len(deps))
		status := http.StatusOK
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		httpx.JSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
