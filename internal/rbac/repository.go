package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repairhub/repairhub/internal/platform/db"
)

const (
	usersTable           = "users"
	userRolesTable       = "user_roles"
	rolePermissionsTable = "role_permissions"
	permissionsTable     = "permissions"
)

// SQLSTATE codes raised by the access policy.
const (
	pgCheckViolation      = "23514"
	pgForeignKeyViolation = "23503"

	topRoleConstraint = "role_permissions_not_top_role"
)

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
	logger  *slog.Logger
}

// NewRepository constructs a PostgreSQL backed Store.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger:  logger,
	}
}

type assignmentRow struct {
	Role       string `db:"role"`
	Permission string `db:"permission_key"`
}

type catalogRow struct {
	Key         string `db:"key"`
	Description string `db:"description"`
	Category    string `db:"category"`
}

// ListUserRoles returns the decoded roles of a principal.
func (r *Repository) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	query, args, err := userRolesQuery(r.builder, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: build user roles query: %w", err)
	}
	var raw []string
	if err := pgxscan.Select(ctx, r.pool, &raw, query, args...); err != nil {
		return nil, fmt.Errorf("rbac: list user roles: %w", err)
	}
	return decodeRoles(raw, r.logger), nil
}

// userRolesQuery selects the roles of an active principal. A deactivated
// principal resolves to no roles even while a cookie still names it.
func userRolesQuery(builder squirrel.StatementBuilderType, userID int64) (string, []any, error) {
	return builder.
		Select("ur.role").
		From(userRolesTable + " ur").
		Join(usersTable + " u ON u.id = ur.user_id").
		Where(squirrel.Eq{"ur.user_id": userID}).
		Where(squirrel.Eq{"u.is_active": true}).
		OrderBy("ur.role").
		ToSql()
}

// ListAssignments returns matrix rows, optionally filtered by role.
func (r *Repository) ListAssignments(ctx context.Context, roles []Role) ([]Assignment, error) {
	q := r.builder.
		Select("role", "permission_key").
		From(rolePermissionsTable).
		OrderBy("role", "permission_key")
	if roles != nil {
		names := make([]string, len(roles))
		for i, role := range roles {
			names[i] = string(role)
		}
		q = q.Where(squirrel.Eq{"role": names})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("rbac: build matrix query: %w", err)
	}
	var rows []assignmentRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	return decodeAssignments(rows, r.logger), nil
}

// ListCatalog returns the stored catalog sorted by category then key.
func (r *Repository) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	query, args, err := r.builder.
		Select("key", "description", "category").
		From(permissionsTable).
		OrderBy("category", "key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("rbac: build catalog query: %w", err)
	}
	var rows []catalogRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("rbac: list catalog: %w", err)
	}
	entries := make([]CatalogEntry, 0, len(rows))
	for _, row := range rows {
		key, err := ParsePermissionKey(row.Key)
		if err != nil {
			r.logger.Warn("rbac: skipping unknown catalog key", slog.String("key", row.Key))
			continue
		}
		entries = append(entries, CatalogEntry{Key: key, Description: row.Description, Category: row.Category})
	}
	return entries, nil
}

// UpsertCatalog inserts or refreshes catalog entries.
func (r *Repository) UpsertCatalog(ctx context.Context, entries []CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q := r.builder.
		Insert(permissionsTable).
		Columns("key", "description", "category")
	for _, e := range entries {
		q = q.Values(string(e.Key), e.Description, e.Category)
	}
	query, args, err := q.
		Suffix("ON CONFLICT (key) DO UPDATE SET description = EXCLUDED.description, category = EXCLUDED.category").
		ToSql()
	if err != nil {
		return fmt.Errorf("rbac: build catalog upsert: %w", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("rbac: upsert catalog: %w", err)
	}
	return nil
}

// ToggleAssignment flips the presence of a (role, permission) row.
func (r *Repository) ToggleAssignment(ctx context.Context, role Role, key PermissionKey) (bool, error) {
	var present bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM role_permissions WHERE role = $1 AND permission_key = $2`,
			string(role), string(key))
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			present = false
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO role_permissions (role, permission_key) VALUES ($1, $2) ON CONFLICT (role, permission_key) DO NOTHING`,
			string(role), string(key)); err != nil {
			return err
		}
		present = true
		return nil
	})
	if err != nil {
		return false, mapPgError(err)
	}
	return present, nil
}

// DeleteRoleAssignments removes every matrix row owned by role.
func (r *Repository) DeleteRoleAssignments(ctx context.Context, role Role) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role = $1`, string(role))
	if err != nil {
		return 0, fmt.Errorf("rbac: delete role assignments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AssignRole grants role to a principal.
func (r *Repository) AssignRole(ctx context.Context, userID int64, role Role) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT (user_id, role) DO NOTHING`,
		userID, string(role))
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// RemoveRole revokes role from a principal.
func (r *Repository) RemoveRole(ctx context.Context, userID int64, role Role) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, userID, string(role))
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func decodeRoles(raw []string, logger *slog.Logger) []Role {
	roles := make([]Role, 0, len(raw))
	for _, value := range raw {
		role, err := ParseRole(value)
		if err != nil {
			logger.Warn("rbac: skipping unknown role", slog.String("role", value))
			continue
		}
		roles = append(roles, role)
	}
	return roles
}

func decodeAssignments(rows []assignmentRow, logger *slog.Logger) []Assignment {
	out := make([]Assignment, 0, len(rows))
	for _, row := range rows {
		role, err := ParseRole(row.Role)
		if err != nil {
			logger.Warn("rbac: skipping matrix row with unknown role", slog.String("role", row.Role))
			continue
		}
		key, err := ParsePermissionKey(row.Permission)
		if err != nil {
			logger.Warn("rbac: skipping matrix row with unknown permission", slog.String("permission", row.Permission))
			continue
		}
		out = append(out, Assignment{Role: role, Permission: key})
	}
	return out
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCheckViolation:
			if pgErr.ConstraintName == topRoleConstraint {
				return fmt.Errorf("%w: %s", ErrTopRoleImmutable, pgErr.Message)
			}
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrUnknownPermission, pgErr.Message)
		}
	}
	return fmt.Errorf("rbac: storage: %w", err)
}

var _ Store = (*Repository)(nil)
