package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
)

// PermissionSessions starts and stops per-principal permission loading.
type PermissionSessions interface {
	Acquire(principalID int64) *rbac.Session
	Release(principalID int64)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	sessions    *shared.SessionManager
	csrf        *shared.CSRFManager
	permissions PermissionSessions
	sessionTTL  time.Duration
	validator   *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, permissions PermissionSessions, sessionTTL time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		sessions:    sessions,
		csrf:        csrf,
		permissions: permissions,
		sessionTTL:  sessionTTL,
		validator:   validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.issueToken)
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
}

type tokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

type loginResponse struct {
	PrincipalID int64  `json:"principal_id"`
	CSRFToken   string `json:"csrf_token"`
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.EnsureToken(shared.SessionFromContext(r.Context()))
	if err != nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "session unavailable")
		return
	}
	httpx.JSON(w, http.StatusOK, tokenResponse{CSRFToken: token})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "session unavailable")
		return
	}
	var creds Credentials
	if err := httpx.DecodeJSON(r, &creds); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(creds); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	acc, err := h.service.Authenticate(r.Context(), creds)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
			return
		}
		h.logger.Error("authenticate", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "sign-in failed")
		return
	}

	sess.SignIn(acc.ID)
	sess.Delete(shared.CSRFSessionKey)
	token, _ := h.csrf.EnsureToken(sess)
	if err := h.service.RegisterSession(r.Context(), sess.ID, acc.ID, time.Now().Add(h.sessionTTL), r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	if h.permissions != nil {
		h.permissions.Acquire(acc.ID)
	}
	h.logger.Info("principal signed in", slog.Int64("principal_id", acc.ID))
	httpx.JSON(w, http.StatusOK, loginResponse{PrincipalID: acc.ID, CSRFToken: token})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if id, ok := sess.PrincipalID(); ok {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		if h.permissions != nil {
			h.permissions.Release(id)
		}
		h.logger.Info("principal signed out", slog.Int64("principal_id", id))
	}
	h.sessions.Destroy(sess)
	w.WriteHeader(http.StatusNoContent)
}
