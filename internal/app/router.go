package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vigil-grc/vigil/internal/auth"
	"github.com/vigil-grc/vigil/internal/observability"
	"github.com/vigil-grc/vigil/internal/rbac"
	"github.com/vigil-grc/vigil/internal/shared"
	"github.com/vigil-grc/vigil/internal/users"
	"github.com/vigil-grc/vigil/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	AuthHandler    *auth.Handler
	RBACHandler    *rbac.Handler
	UsersHandler   *users.Handler
	JobsHandler    *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Vigil defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", params.AuthHandler.MountRoutes)

		if params.RBACHandler != nil {
			r.Route("/permissions", func(r chi.Router) {
				r.Use(RequireSession)
				params.RBACHandler.MountPermissionRoutes(r)
			})
			r.Route("/roles", func(r chi.Router) {
				r.Use(RequireSession)
				params.RBACHandler.MountRoleRoutes(r)
			})
		}

		if params.UsersHandler != nil {
			r.Route("/users", func(r chi.Router) {
				r.Use(RequireSession)
				params.UsersHandler.MountRoutes(r)
				if params.RBACHandler != nil {
					params.RBACHandler.MountAssignmentRoutes(r)
				}
			})
		}
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
