package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/repairhub/repairhub/internal/audit/http"
	"github.com/repairhub/repairhub/internal/auth"
	"github.com/repairhub/repairhub/internal/observability"
	"github.com/repairhub/repairhub/internal/partners"
	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
	"github.com/repairhub/repairhub/internal/users"
	"github.com/repairhub/repairhub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	Metrics         *observability.Metrics
	AuthHandler     *auth.Handler
	RBACHandler     *rbac.Handler
	UsersHandler    *users.Handler
	PartnersHandler *partners.Handler
	JobsHandler     *jobs.Handler
	AuditHandler    *audithttp.Handler
}

// NewRouter constructs the chi.Router with the application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.RBACHandler != nil {
		r.Route("/admin/permissions", params.RBACHandler.MountRoutes)
		r.Route("/me", params.RBACHandler.MountSelfRoutes)
	}
	if params.UsersHandler != nil {
		r.Route("/admin/users", params.UsersHandler.MountRoutes)
	}
	if params.PartnersHandler != nil {
		r.Route("/b2b", params.PartnersHandler.MountPortalRoutes)
		r.Route("/admin/partners", params.PartnersHandler.MountAdminRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/admin/audit", params.AuditHandler.MountRoutes)
	}
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	return r
}
