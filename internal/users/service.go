package users

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
)

// ListFilter narrows ListPrincipals.
type ListFilter struct {
	PartnerID       *int64
	IncludeInactive bool
}

// RepositoryPort defines data access methods for principals.
type RepositoryPort interface {
	ListPrincipals(ctx context.Context, filter ListFilter) ([]Principal, error)
	GetPrincipal(ctx context.Context, id int64) (Principal, error)
	PartnerOf(ctx context.Context, userID int64) (*int64, error)
	Deactivate(ctx context.Context, id int64) error
	Purge(ctx context.Context, id int64) error
	SetPartner(ctx context.Context, id int64, partnerID *int64) (*int64, error)
}

// RoleAdmin is the role assignment surface of the access-control service.
type RoleAdmin interface {
	UserRoles(ctx context.Context, userID int64) (rbac.RoleSet, error)
	AssignRole(ctx context.Context, actorID, userID int64, role rbac.Role) error
	RemoveRole(ctx context.Context, actorID, userID int64, role rbac.Role) error
	NotifyRolesChanged(ctx context.Context, userID int64)
}

// PartnerCache is evicted when an affiliation changes.
type PartnerCache interface {
	Invalidate(partnerID int64)
}

// SessionReleaser disposes live permission sessions.
type SessionReleaser interface {
	Release(principalID int64)
}

// LoginRevoker deletes the stored sign-in sessions of a principal.
type LoginRevoker interface {
	DestroyPrincipal(ctx context.Context, principalID int64) error
}

// AuditRecorder persists administrative changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles principal lifecycle.
type Service struct {
	repo     RepositoryPort
	roles    RoleAdmin
	partners PartnerCache
	sessions SessionReleaser
	logins   LoginRevoker
	audit    AuditRecorder
	logger   *slog.Logger
}

// ServiceDeps groups collaborators of Service. Partners, Sessions, Logins and
// Audit are optional.
type ServiceDeps struct {
	Repo     RepositoryPort
	Roles    RoleAdmin
	Partners PartnerCache
	Sessions SessionReleaser
	Logins   LoginRevoker
	Audit    AuditRecorder
	Logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     deps.Repo,
		roles:    deps.Roles,
		partners: deps.Partners,
		sessions: deps.Sessions,
		logins:   deps.Logins,
		audit:    deps.Audit,
		logger:   logger,
	}
}

// List returns principals matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Principal, error) {
	return s.repo.ListPrincipals(ctx, filter)
}

// Get returns a principal with its roles.
func (s *Service) Get(ctx context.Context, id int64) (PrincipalDetail, error) {
	p, err := s.repo.GetPrincipal(ctx, id)
	if err != nil {
		return PrincipalDetail{}, err
	}
	roles, err := s.roles.UserRoles(ctx, id)
	if err != nil {
		return PrincipalDetail{}, err
	}
	return PrincipalDetail{Principal: p, Roles: roles.Slice()}, nil
}

// AssignRole grants role to the principal.
func (s *Service) AssignRole(ctx context.Context, actorID, id int64, role rbac.Role) error {
	if _, err := s.repo.GetPrincipal(ctx, id); err != nil {
		return err
	}
	return s.roles.AssignRole(ctx, actorID, id, role)
}

// RemoveRole revokes role from the principal.
func (s *Service) RemoveRole(ctx context.Context, actorID, id int64, role rbac.Role) error {
	if actorID == id && role.IsTop() {
		return ErrSelfAction
	}
	return s.roles.RemoveRole(ctx, actorID, id, role)
}

// Deactivate disables sign-in and drops the live permission session.
func (s *Service) Deactivate(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return ErrSelfAction
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.afterRemoval(ctx, actorID, id, "users.deactivated")
	return nil
}

// Purge hard-deletes the principal together with its role assignments.
func (s *Service) Purge(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return ErrSelfAction
	}
	if err := s.repo.Purge(ctx, id); err != nil {
		return err
	}
	s.afterRemoval(ctx, actorID, id, "users.purged")
	return nil
}

// SetPartner changes the partner affiliation. Both the previous and the new
// partner records are evicted from the identity cache.
func (s *Service) SetPartner(ctx context.Context, actorID, id int64, partnerID *int64) error {
	previous, err := s.repo.SetPartner(ctx, id, partnerID)
	if err != nil {
		return err
	}
	if s.partners != nil {
		if previous != nil {
			s.partners.Invalidate(*previous)
		}
		if partnerID != nil {
			s.partners.Invalidate(*partnerID)
		}
	}
	s.roles.NotifyRolesChanged(ctx, id)
	meta := map[string]any{"partner_id": partnerID}
	if previous != nil {
		meta["previous_partner_id"] = *previous
	}
	s.record(ctx, actorID, "users.partner_changed", id, meta)
	return nil
}

// PartnerOf exposes the affiliation lookup for the identity resolver.
func (s *Service) PartnerOf(ctx context.Context, userID int64) (*int64, error) {
	return s.repo.PartnerOf(ctx, userID)
}

func (s *Service) afterRemoval(ctx context.Context, actorID, id int64, action string) {
	if s.logins != nil {
		if err := s.logins.DestroyPrincipal(ctx, id); err != nil {
			s.logger.Warn("users: revoke sign-ins failed", slog.Int64("user_id", id), slog.Any("error", err))
		}
	}
	s.roles.NotifyRolesChanged(ctx, id)
	if s.sessions != nil {
		s.sessions.Release(id)
	}
	s.record(ctx, actorID, action, id, nil)
}

func (s *Service) record(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("users: audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
