package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/shared"
)

// Handler exposes the permission matrix and the caller's own permissions.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers the administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RequireAny(PermManagePermissions)))
		r.Get("/", h.showMatrix)
		r.Get("/catalog", h.listCatalog)
		r.Post("/toggle", h.toggle)
	})
}

// MountSelfRoutes registers introspection routes for any signed-in principal.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Requirement{}))
		r.Get("/permissions", h.myPermissions)
	})
	// Outside the guard so a principal whose fetch failed can still ask again.
	r.Post("/permissions/refresh", h.refreshPermissions)
}

type toggleRequest struct {
	Role       string `json:"role" validate:"required"`
	Permission string `json:"permission" validate:"required"`
}

type selfPermissions struct {
	PrincipalID   int64           `json:"principal_id"`
	State         string          `json:"state"`
	Roles         []Role          `json:"roles"`
	Permissions   []PermissionKey `json:"permissions"`
	RoleVersion   int64           `json:"role_version"`
	MatrixVersion int64           `json:"matrix_version"`
}

func (h *Handler) showMatrix(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Matrix(r.Context())
	if err != nil {
		h.logger.Error("load permission matrix", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "permission matrix unavailable")
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListCatalog(r.Context())
	if err != nil {
		h.logger.Error("list permission catalog", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "permission catalog unavailable")
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request body must be JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role and permission are required")
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key, err := ParsePermissionKey(req.Permission)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.Toggle(r.Context(), SnapshotFromContext(r.Context()), role, key)
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, result)
	case errors.Is(err, ErrTopRoleImmutable), errors.Is(err, ErrNotDisplayable):
		httpx.Problem(w, http.StatusConflict, "Not Editable", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnknownPermission):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Update Failed", ErrToggleFailed.Error())
	}
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	writeSelfPermissions(w, SnapshotFromContext(r.Context()))
}

func (h *Handler) refreshPermissions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.guard.Refresh(r)
	switch {
	case errors.Is(err, shared.ErrSessionMissing):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in first")
	case err != nil || snap.State == StateLoading:
		renderPending(w, r)
	case snap.State == StateFailed:
		httpx.Problem(w, http.StatusServiceUnavailable, "Refresh Failed", "permissions could not be loaded")
	default:
		writeSelfPermissions(w, snap)
	}
}

func writeSelfPermissions(w http.ResponseWriter, snap Snapshot) {
	httpx.JSON(w, http.StatusOK, selfPermissions{
		PrincipalID:   snap.PrincipalID,
		State:         snap.State.String(),
		Roles:         snap.Roles.Slice(),
		Permissions:   snap.Granted(),
		RoleVersion:   snap.RoleVersion,
		MatrixVersion: snap.MatrixVersion,
	})
}
