package partners

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

const partnersTable = "b2b_partners"

var partnerColumns = []string{
	"id", "name", "contact_email",
	"return_street", "return_postal_code", "return_city", "return_country",
	"is_active", "created_at", "updated_at",
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

type partnerRow struct {
	ID               int64     `db:"id"`
	Name             string    `db:"name"`
	ContactEmail     string    `db:"contact_email"`
	ReturnStreet     string    `db:"return_street"`
	ReturnPostalCode string    `db:"return_postal_code"`
	ReturnCity       string    `db:"return_city"`
	ReturnCountry    string    `db:"return_country"`
	IsActive         bool      `db:"is_active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (row partnerRow) toDomain() Partner {
	return Partner{
		ID:           row.ID,
		Name:         row.Name,
		ContactEmail: row.ContactEmail,
		ReturnAddress: Address{
			Street:     row.ReturnStreet,
			PostalCode: row.ReturnPostalCode,
			City:       row.ReturnCity,
			Country:    row.ReturnCountry,
		},
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// GetPartner fetches a partner by ID.
func (r *Repository) GetPartner(ctx context.Context, id int64) (Partner, error) {
	query, args, err := r.builder.
		Select(partnerColumns...).
		From(partnersTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Partner{}, fmt.Errorf("partners: build get: %w", err)
	}
	var row partnerRow
	if err := pgxscan.Get(ctx, r.pool, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return Partner{}, ErrNotFound
		}
		return Partner{}, fmt.Errorf("partners: get: %w", err)
	}
	return row.toDomain(), nil
}

// ListPartners returns partners, optionally only the inactive ones.
func (r *Repository) ListPartners(ctx context.Context, pendingOnly bool) ([]Partner, error) {
	q := r.builder.
		Select(partnerColumns...).
		From(partnersTable).
		OrderBy("name", "id")
	if pendingOnly {
		q = q.Where(squirrel.Eq{"is_active": false})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("partners: build list: %w", err)
	}
	var rows []partnerRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("partners: list: %w", err)
	}
	out := make([]Partner, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// CreatePartner inserts a partner and returns the stored record.
func (r *Repository) CreatePartner(ctx context.Context, p Partner) (Partner, error) {
	query, args, err := r.builder.
		Insert(partnersTable).
		Columns("name", "contact_email", "return_street", "return_postal_code", "return_city", "return_country", "is_active").
		Values(p.Name, p.ContactEmail, p.ReturnAddress.Street, p.ReturnAddress.PostalCode, p.ReturnAddress.City, p.ReturnAddress.Country, p.IsActive).
		Suffix("RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return Partner{}, fmt.Errorf("partners: build create: %w", err)
	}
	var row partnerRow
	if err := pgxscan.Get(ctx, r.pool, &row, query, args...); err != nil {
		return Partner{}, fmt.Errorf("partners: create: %w", err)
	}
	return row.toDomain(), nil
}

// SetActive flips the activation flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE b2b_partners SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("partners: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAddress replaces the default return address.
func (r *Repository) UpdateAddress(ctx context.Context, id int64, addr Address) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE b2b_partners SET return_street = $1, return_postal_code = $2, return_city = $3, return_country = $4, updated_at = NOW() WHERE id = $5`,
		addr.Street, addr.PostalCode, addr.City, addr.Country, id)
	if err != nil {
		return fmt.Errorf("partners: update address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func joinColumns() string {
	out := ""
	for i, c := range partnerColumns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

var _ RepositoryPort = (*Repository)(nil)
