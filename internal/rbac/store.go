package rbac

import "context"

// RoleSource reads the role assignments of a principal.
type RoleSource interface {
	ListUserRoles(ctx context.Context, userID int64) ([]Role, error)
}

// MatrixSource reads the role-permission matrix. A nil roles filter returns the
// whole relation.
type MatrixSource interface {
	ListAssignments(ctx context.Context, roles []Role) ([]Assignment, error)
}

// Store is the full persistence contract of the access-control core.
type Store interface {
	RoleSource
	MatrixSource

	ListCatalog(ctx context.Context) ([]CatalogEntry, error)
	UpsertCatalog(ctx context.Context, entries []CatalogEntry) error

	// ToggleAssignment deletes the row when present, inserts it otherwise, and
	// reports whether the row exists afterwards.
	ToggleAssignment(ctx context.Context, role Role, key PermissionKey) (bool, error)
	DeleteRoleAssignments(ctx context.Context, role Role) (int64, error)

	AssignRole(ctx context.Context, userID int64, role Role) error
	RemoveRole(ctx context.Context, userID int64, role Role) error
}
