package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/repairhub/repairhub/internal/shared"
)

var (
	// ErrTopRoleImmutable rejects matrix edits for the top-admin role.
	ErrTopRoleImmutable = errors.New("rbac: the admin role always holds every permission and cannot be edited")
	// ErrForbidden rejects callers lacking MANAGE_PERMISSIONS.
	ErrForbidden = errors.New("rbac: you are not allowed to edit permissions")
	// ErrNotDisplayable rejects matrix edits for roles outside the matrix.
	ErrNotDisplayable = errors.New("rbac: partner roles are not part of the permission matrix")
	// ErrToggleFailed wraps storage failures during a toggle.
	ErrToggleFailed = errors.New("rbac: permission update failed")
	// ErrPartnerRoleConflict rejects a second partner role for one principal.
	ErrPartnerRoleConflict = errors.New("rbac: principal already holds a partner role")
)

// AuditRecorder persists administrative changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements catalog synchronisation and matrix administration.
type Service struct {
	store    Store
	versions *Versions
	audit    AuditRecorder
	logger   *slog.Logger
}

// NewService constructs a Service. audit may be nil.
func NewService(store Store, versions *Versions, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if versions == nil {
		versions = NewVersions(nil, logger)
	}
	return &Service{store: store, versions: versions, audit: audit, logger: logger}
}

// SyncCatalog upserts the built-in catalog into storage.
func (s *Service) SyncCatalog(ctx context.Context) error {
	if err := s.store.UpsertCatalog(ctx, Catalog()); err != nil {
		return fmt.Errorf("rbac: sync catalog: %w", err)
	}
	return nil
}

// ListCatalog returns the stored catalog sorted by category then key.
func (s *Service) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	SortCatalog(entries)
	return entries, nil
}

// ToggleResult reports the state of a cell after a toggle.
type ToggleResult struct {
	Role          Role          `json:"role"`
	Permission    PermissionKey `json:"permission"`
	Granted       bool          `json:"granted"`
	MatrixVersion int64         `json:"matrix_version"`
}

// Toggle flips (role, key) on behalf of actor. Validation happens before any
// storage access; storage failures leave the matrix unchanged.
func (s *Service) Toggle(ctx context.Context, actor Snapshot, role Role, key PermissionKey) (ToggleResult, error) {
	if role.IsTop() {
		return ToggleResult{}, ErrTopRoleImmutable
	}
	if !actor.CanAny(PermManagePermissions) {
		return ToggleResult{}, ErrForbidden
	}
	if !role.IsInternal() {
		return ToggleResult{}, ErrNotDisplayable
	}
	if !key.Known() {
		return ToggleResult{}, fmt.Errorf("%w: %q", ErrUnknownPermission, string(key))
	}

	granted, err := s.store.ToggleAssignment(ctx, role, key)
	if err != nil {
		if errors.Is(err, ErrTopRoleImmutable) {
			return ToggleResult{}, ErrTopRoleImmutable
		}
		s.logger.Error("rbac: toggle failed",
			slog.String("role", role.String()),
			slog.String("permission", key.String()),
			slog.Any("error", err))
		return ToggleResult{}, fmt.Errorf("%w: %w", ErrToggleFailed, err)
	}

	version, err := s.versions.BumpMatrix(ctx)
	if err != nil {
		s.logger.Error("rbac: matrix bump failed", slog.Any("error", err))
	}
	s.record(ctx, actor.PrincipalID, "rbac.toggle", "role_permission", role.String()+":"+key.String(), map[string]any{
		"granted": granted,
	})
	return ToggleResult{Role: role, Permission: key, Granted: granted, MatrixVersion: version}, nil
}

// MatrixCell is one role column of a matrix row.
type MatrixCell struct {
	Role    Role `json:"role"`
	Granted bool `json:"granted"`
}

// MatrixRow is one permission of the administration matrix.
type MatrixRow struct {
	Key         PermissionKey `json:"key"`
	Description string        `json:"description"`
	Cells       []MatrixCell  `json:"cells"`
}

// MatrixCategory groups rows by permission category.
type MatrixCategory struct {
	Category string      `json:"category"`
	Title    string      `json:"title"`
	Rows     []MatrixRow `json:"rows"`
}

// MatrixView is the full administration matrix.
type MatrixView struct {
	Roles      []Role           `json:"roles"`
	Categories []MatrixCategory `json:"categories"`
}

// Matrix builds the administration view for DisplayableRoles.
func (s *Service) Matrix(ctx context.Context) (MatrixView, error) {
	entries, err := s.ListCatalog(ctx)
	if err != nil {
		return MatrixView{}, err
	}
	roles := DisplayableRoles()
	grants, err := s.store.ListAssignments(ctx, roles)
	if err != nil {
		return MatrixView{}, err
	}
	return BuildMatrix(entries, roles, grants), nil
}

// BuildMatrix groups catalog entries by category and marks granted cells.
func BuildMatrix(entries []CatalogEntry, roles []Role, grants []Assignment) MatrixView {
	granted := make(map[Assignment]struct{}, len(grants))
	for _, g := range grants {
		granted[g] = struct{}{}
	}
	titler := cases.Title(language.English)
	view := MatrixView{Roles: roles}
	var current *MatrixCategory
	for _, e := range entries {
		if current == nil || current.Category != e.Category {
			view.Categories = append(view.Categories, MatrixCategory{Category: e.Category, Title: titler.String(e.Category)})
			current = &view.Categories[len(view.Categories)-1]
		}
		row := MatrixRow{Key: e.Key, Description: e.Description, Cells: make([]MatrixCell, 0, len(roles))}
		for _, role := range roles {
			_, ok := granted[Assignment{Role: role, Permission: e.Key}]
			row.Cells = append(row.Cells, MatrixCell{Role: role, Granted: ok})
		}
		current.Rows = append(current.Rows, row)
	}
	return view
}

// UserRoles returns the decoded roles of a principal.
func (s *Service) UserRoles(ctx context.Context, userID int64) (RoleSet, error) {
	roles, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return RoleSet{}, err
	}
	return NewRoleSet(roles...), nil
}

// AssignRole grants role to userID. A principal holds at most one partner role.
func (s *Service) AssignRole(ctx context.Context, actorID, userID int64, role Role) error {
	if role.IsPartner() {
		current, err := s.UserRoles(ctx, userID)
		if err != nil {
			return err
		}
		for _, held := range current.Slice() {
			if held.IsPartner() && held != role {
				return ErrPartnerRoleConflict
			}
		}
	}
	if err := s.store.AssignRole(ctx, userID, role); err != nil {
		return err
	}
	s.bumpRoles(ctx, userID)
	s.record(ctx, actorID, "rbac.role_assigned", "user", strconv.FormatInt(userID, 10), map[string]any{"role": role.String()})
	return nil
}

// RemoveRole revokes role from userID.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID int64, role Role) error {
	if err := s.store.RemoveRole(ctx, userID, role); err != nil {
		return err
	}
	s.bumpRoles(ctx, userID)
	s.record(ctx, actorID, "rbac.role_removed", "user", strconv.FormatInt(userID, 10), map[string]any{"role": role.String()})
	return nil
}

// NotifyRolesChanged broadcasts an out-of-band role change (e.g. purge).
func (s *Service) NotifyRolesChanged(ctx context.Context, userID int64) {
	s.bumpRoles(ctx, userID)
}

// PurgeTopRoleRows deletes matrix rows of the top-admin role that bypassed
// the access policy. It returns the number of removed rows.
func (s *Service) PurgeTopRoleRows(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteRoleAssignments(ctx, RoleAdmin)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Warn("rbac: removed stray admin matrix rows", slog.Int64("rows", removed))
		if _, err := s.versions.BumpMatrix(ctx); err != nil {
			s.logger.Error("rbac: matrix bump failed", slog.Any("error", err))
		}
	}
	return removed, nil
}

func (s *Service) bumpRoles(ctx context.Context, userID int64) {
	if _, err := s.versions.BumpRoles(ctx, userID); err != nil {
		s.logger.Error("rbac: role bump failed", slog.Int64("principal_id", userID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: entity, EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("rbac: audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
