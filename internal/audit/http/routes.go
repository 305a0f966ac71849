package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/rbac"
)

const rateLimit = 10
const rateWindow = time.Minute

// Guard gates routes behind a permission requirement.
type Guard interface {
	Require(req rbac.Requirement, opts ...rbac.GuardOption) func(http.Handler) http.Handler
}

// MountRoutes registers the timeline and its CSV export.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "export limit reached")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RequireAny(rbac.PermViewAuditLog)))
		r.Get("/", h.handleTimeline)
		r.With(limiter).Get("/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if snap := rbac.SnapshotFromContext(r.Context()); snap.PrincipalID > 0 {
		return "user:" + strconv.FormatInt(snap.PrincipalID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
