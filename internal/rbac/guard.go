package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/shared"
)

// Outcome is the terminal state of a guarded navigation.
type Outcome int

const (
	// OutcomePending means auth or permission data is still loading.
	OutcomePending Outcome = iota
	// OutcomeUnauthenticated means no principal is signed in.
	OutcomeUnauthenticated
	// OutcomeUnauthorized means the principal fails the declared check.
	OutcomeUnauthorized
	// OutcomeAuthorized means the protected content may render.
	OutcomeAuthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Combinator selects how multiple required keys combine.
type Combinator int

const (
	// Any passes when at least one key is granted.
	Any Combinator = iota
	// All passes when every key is granted.
	All
)

// Requirement declares what a guarded capability needs. An empty key list
// only requires a signed-in principal with settled permissions.
type Requirement struct {
	Keys []PermissionKey
	Mode Combinator
}

// RequireAny builds an ANY requirement.
func RequireAny(keys ...PermissionKey) Requirement {
	return Requirement{Keys: keys, Mode: Any}
}

// RequireAll builds an ALL requirement.
func RequireAll(keys ...PermissionKey) Requirement {
	return Requirement{Keys: keys, Mode: All}
}

// SatisfiedBy evaluates the requirement against a snapshot.
func (r Requirement) SatisfiedBy(snap Snapshot) bool {
	if snap.State != StateReady {
		return false
	}
	if len(r.Keys) == 0 {
		return true
	}
	if r.Mode == All {
		return snap.CanAll(r.Keys...)
	}
	return snap.CanAny(r.Keys...)
}

// AuthState is the authentication input of the guard.
type AuthState struct {
	Loading     bool
	PrincipalID int64
}

// Authenticated reports whether a principal is present.
func (a AuthState) Authenticated() bool { return a.PrincipalID > 0 }

// Decide runs the guard state machine. Snapshots of another principal are
// treated as not yet loaded.
func Decide(auth AuthState, snap Snapshot, req Requirement) Outcome {
	if auth.Loading {
		return OutcomePending
	}
	if !auth.Authenticated() {
		return OutcomeUnauthenticated
	}
	if snap.PrincipalID != auth.PrincipalID || snap.State == StateLoading || snap.State == StateDisposed {
		return OutcomePending
	}
	if req.SatisfiedBy(snap) {
		return OutcomeAuthorized
	}
	return OutcomeUnauthorized
}

// DecisionRecorder counts guard outcomes.
type DecisionRecorder interface {
	RecordGuardDecision(outcome string)
}

// GuardConfig tunes the HTTP guard.
type GuardConfig struct {
	PendingTimeout time.Duration
	LoginPath      string
	// RetryFailedAfter is how long a failed fetch stands before a request
	// triggers another one.
	RetryFailedAfter time.Duration
}

// Guard binds Decide to HTTP handlers.
type Guard struct {
	directory *Directory
	cfg       GuardConfig
	logger    *slog.Logger
	recorder  DecisionRecorder
}

// NewGuard constructs a Guard. recorder may be nil.
func NewGuard(directory *Directory, cfg GuardConfig, recorder DecisionRecorder, logger *slog.Logger) *Guard {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 5 * time.Second
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/login"
	}
	if cfg.RetryFailedAfter <= 0 {
		cfg.RetryFailedAfter = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{directory: directory, cfg: cfg, logger: logger, recorder: recorder}
}

// GuardOption overrides a fallback view.
type GuardOption func(*guardViews)

type guardViews struct {
	pending         http.Handler
	unauthenticated http.Handler
	unauthorized    http.Handler
}

// WithPending replaces the loading placeholder.
func WithPending(h http.Handler) GuardOption {
	return func(v *guardViews) { v.pending = h }
}

// WithUnauthenticated replaces the sign-in redirect.
func WithUnauthenticated(h http.Handler) GuardOption {
	return func(v *guardViews) { v.unauthenticated = h }
}

// WithUnauthorized replaces the access-denied view.
func WithUnauthorized(h http.Handler) GuardOption {
	return func(v *guardViews) { v.unauthorized = h }
}

// Require gates next behind req.
func (g *Guard) Require(req Requirement, opts ...GuardOption) func(http.Handler) http.Handler {
	views := guardViews{
		pending:         http.HandlerFunc(renderPending),
		unauthenticated: http.HandlerFunc(g.redirectToLogin),
		unauthorized:    http.HandlerFunc(renderDenied),
	}
	for _, opt := range opts {
		opt(&views)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome, snap := g.Evaluate(r, req)
			if g.recorder != nil {
				g.recorder.RecordGuardDecision(outcome.String())
			}
			switch outcome {
			case OutcomeAuthorized:
				next.ServeHTTP(w, r.WithContext(ContextWithSnapshot(r.Context(), snap)))
			case OutcomeUnauthenticated:
				views.unauthenticated.ServeHTTP(w, r)
			case OutcomeUnauthorized:
				g.logger.Info("rbac: access denied",
					slog.Int64("principal_id", snap.PrincipalID),
					slog.String("path", r.URL.Path),
					slog.String("state", snap.State.String()))
				views.unauthorized.ServeHTTP(w, r)
			default:
				views.pending.ServeHTTP(w, r)
			}
		})
	}
}

// Evaluate resolves the principal of r and waits, bounded by the pending
// timeout, for its permissions to settle.
func (g *Guard) Evaluate(r *http.Request, req Requirement) (Outcome, Snapshot) {
	principalID, ok := PrincipalFromRequest(r)
	if !ok {
		return Decide(AuthState{}, Snapshot{}, req), Snapshot{}
	}
	sess := g.directory.Acquire(principalID)
	if sess.RetryFailed(g.cfg.RetryFailedAfter) {
		g.logger.Info("rbac: retrying failed permission fetch", slog.Int64("principal_id", principalID))
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.PendingTimeout)
	defer cancel()
	snap, err := sess.Wait(ctx)
	if err != nil && snap.State == StateLoading {
		g.logger.Warn("rbac: permissions still loading", slog.Int64("principal_id", principalID), slog.Any("error", err))
	}
	return Decide(AuthState{PrincipalID: principalID}, snap, req), snap
}

// Refresh refetches the permissions of the signed-in principal of r and waits,
// bounded by the pending timeout, for the new snapshot.
func (g *Guard) Refresh(r *http.Request) (Snapshot, error) {
	principalID, ok := PrincipalFromRequest(r)
	if !ok {
		return Snapshot{}, shared.ErrSessionMissing
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.PendingTimeout)
	defer cancel()
	return g.directory.Acquire(principalID).Refresh(ctx)
}

// PrincipalFromRequest extracts the signed-in principal id from the session.
func PrincipalFromRequest(r *http.Request) (int64, bool) {
	return shared.SessionFromContext(r.Context()).PrincipalID()
}

type snapshotContextKey struct{}

// ContextWithSnapshot stores the caller's snapshot in ctx.
func ContextWithSnapshot(ctx context.Context, snap Snapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, snap)
}

// SnapshotFromContext returns the snapshot attached by the guard. Missing
// snapshots come back in the loading state, which denies every check.
func SnapshotFromContext(ctx context.Context) Snapshot {
	snap, ok := ctx.Value(snapshotContextKey{}).(Snapshot)
	if !ok {
		return Snapshot{State: StateLoading}
	}
	return snap
}

type deniedDocument struct {
	httpx.ProblemDetail
	Back string `json:"back"`
}

func (g *Guard) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := g.cfg.LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func renderPending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	httpx.Problem(w, http.StatusServiceUnavailable, "Loading", "permissions are still loading")
}

func renderDenied(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusForbidden, deniedDocument{
		ProblemDetail: httpx.ProblemDetail{
			Title:  "Access denied",
			Status: http.StatusForbidden,
			Detail: "you do not have permission to open this page",
		},
		Back: safeBackLink(r),
	})
}

// safeBackLink returns the same-host referer path, or the root.
func safeBackLink(r *http.Request) string {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return "/"
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Host != "" && u.Host != r.Host) {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}
