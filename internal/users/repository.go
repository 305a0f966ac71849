package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repairhub/repairhub/internal/platform/db"
)

var principalColumns = []string{
	"id", "email", "name", "is_active", "default_location_id", "partner_id", "created_at", "updated_at",
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// ListPrincipals returns principals ordered by name, optionally filtered by partner.
func (r *Repository) ListPrincipals(ctx context.Context, filter ListFilter) ([]Principal, error) {
	q := r.builder.Select(principalColumns...).From("users").OrderBy("name", "id")
	if filter.PartnerID != nil {
		q = q.Where(squirrel.Eq{"partner_id": *filter.PartnerID})
	}
	if !filter.IncludeInactive {
		q = q.Where(squirrel.Eq{"is_active": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("users: build list: %w", err)
	}
	var out []Principal
	if err := pgxscan.Select(ctx, r.pool, &out, query, args...); err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	return out, nil
}

// GetPrincipal fetches a principal by id.
func (r *Repository) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	query, args, err := r.builder.Select(principalColumns...).From("users").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return Principal{}, fmt.Errorf("users: build get: %w", err)
	}
	var p Principal
	if err := pgxscan.Get(ctx, r.pool, &p, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, fmt.Errorf("users: get: %w", err)
	}
	return p, nil
}

// PartnerOf returns the partner affiliation of userID.
func (r *Repository) PartnerOf(ctx context.Context, userID int64) (*int64, error) {
	var partnerID *int64
	err := r.pool.QueryRow(ctx, `SELECT partner_id FROM users WHERE id = $1 AND is_active`, userID).Scan(&partnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("users: partner of: %w", err)
	}
	return partnerID, nil
}

// Deactivate marks the principal inactive and drops its sign-in records.
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("users: deactivate: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM auth_sessions WHERE user_id = $1`, id); err != nil {
			return fmt.Errorf("users: drop sign-ins: %w", err)
		}
		return nil
	})
}

// Purge deletes the principal and its role assignments in one transaction.
func (r *Repository) Purge(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, id); err != nil {
			return fmt.Errorf("users: purge roles: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("users: purge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetPartner changes the affiliation and returns the previous one.
func (r *Repository) SetPartner(ctx context.Context, id int64, partnerID *int64) (*int64, error) {
	var previous *int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT partner_id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("users: lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET partner_id = $1, updated_at = NOW() WHERE id = $2`, partnerID, id); err != nil {
			return fmt.Errorf("users: set partner: %w", err)
		}
		return nil
	})
	return previous, err
}

var _ RepositoryPort = (*Repository)(nil)
