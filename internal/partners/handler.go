package partners

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/rbac"
)

// NoAccessPath is where principals without partner access are sent.
const NoAccessPath = "/b2b/no-access"

// Handler exposes the partner portal and partner administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *Resolver
	guard     *rbac.Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, guard *rbac.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, resolver: resolver, guard: guard, validator: validator.New()}
}

// MountPortalRoutes registers the /b2b routes.
func (h *Handler) MountPortalRoutes(r chi.Router) {
	r.Get("/no-access", h.noAccess)
	r.Post("/register", h.register)
	r.Group(func(r chi.Router) {
		r.Use(h.RequirePartner())
		r.Get("/me", h.me)
		r.Post("/me/refresh", h.refresh)
		r.Put("/me/address", h.updateAddress)
	})
}

// MountAdminRoutes registers the /admin/partners routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RequireAny(rbac.PermManagePartners)))
		r.Get("/", h.list)
		r.Post("/{id}/activate", h.setActive(true))
		r.Post("/{id}/deactivate", h.setActive(false))
	})
}

// RequirePartner admits principals holding a partner role with a resolved,
// active partner record. Everyone else is redirected to NoAccessPath.
func (h *Handler) RequirePartner() func(http.Handler) http.Handler {
	settled := h.guard.Require(rbac.Requirement{})
	return func(next http.Handler) http.Handler {
		return settled(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := h.resolver.Resolve(r.Context(), rbac.SnapshotFromContext(r.Context()))
			if !identity.IsPartnerUser || identity.Partner == nil {
				http.Redirect(w, r, NoAccessPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		}))
	}
}

type identityContextKey struct{}

// ContextWithIdentity stores the resolved partner identity in ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by RequirePartner.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

type noAccessDocument struct {
	httpx.ProblemDetail
	Back string `json:"back"`
}

func (h *Handler) noAccess(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusForbidden, noAccessDocument{
		ProblemDetail: httpx.ProblemDetail{
			Title:  "No B2B access",
			Status: http.StatusForbidden,
			Detail: "your account is not linked to an active partner",
		},
		Back: "/",
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := httpx.DecodeJSON(r, &reg); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(reg); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	partner, err := h.service.Register(r.Context(), reg)
	if err != nil {
		h.logger.Error("register partner", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "registration failed")
		return
	}
	httpx.JSON(w, http.StatusCreated, partner)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, identity)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	partner, err := h.resolver.Refetch(r.Context(), identity.PartnerID())
	if err != nil {
		h.logger.Warn("refetch partner", slog.Int64("partner_id", identity.PartnerID()), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Refresh Failed", "partner record could not be reloaded")
		return
	}
	identity.Partner = nil
	if partner.IsActive {
		identity.Partner = &partner
	}
	httpx.JSON(w, http.StatusOK, identity)
}

func (h *Handler) updateAddress(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.IsPartnerAdminOrAbove {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "only partner owners and admins may change the return address")
		return
	}
	var addr Address
	if err := httpx.DecodeJSON(r, &addr); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(addr); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}
	partner, err := h.service.UpdateAddress(r.Context(), identity.PrincipalID, identity.PartnerID(), addr)
	if err != nil {
		h.fail(w, "update partner address", err)
		return
	}
	httpx.JSON(w, http.StatusOK, partner)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	partners, err := h.service.List(r.Context(), r.URL.Query().Get("pending") == "true")
	if err != nil {
		h.fail(w, "list partners", err)
		return
	}
	httpx.JSON(w, http.StatusOK, partners)
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid partner id")
			return
		}
		actor := rbac.SnapshotFromContext(r.Context()).PrincipalID
		if err := h.service.SetActive(r.Context(), actor, id, active); err != nil {
			h.fail(w, "set partner active", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error(op+" failed", slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "partner update failed")
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Namespace() + " failed " + verrs[0].Tag()
	}
	return "invalid payload"
}
