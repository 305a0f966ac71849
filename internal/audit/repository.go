package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_log joined with the actor's email.
type PGRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Window returns limit rows after offset.
func (r *PGRepository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	q := timelineQuery(r.builder, filters).
		Offset(uint64(offset)).
		Limit(uint64(limit))
	return r.selectRows(ctx, q)
}

// All returns every matching row.
func (r *PGRepository) All(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	return r.selectRows(ctx, timelineQuery(r.builder, filters))
}

func (r *PGRepository) selectRows(ctx context.Context, q squirrel.SelectBuilder) ([]TimelineRow, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build timeline query: %w", err)
	}
	var rows []TimelineRow
	if err := pgxscan.Select(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	return rows, nil
}

func timelineQuery(b squirrel.StatementBuilderType, filters TimelineFilters) squirrel.SelectBuilder {
	q := b.Select(
		"a.id", "a.occurred_at", "a.actor_id",
		"COALESCE(u.email, '') AS actor_email",
		"a.action", "a.entity", "a.entity_id",
		"COALESCE(a.request_id, '') AS request_id",
		"a.meta",
	).
		From("audit_log a").
		LeftJoin("users u ON u.id = a.actor_id").
		OrderBy("a.occurred_at DESC", "a.id DESC")
	if !filters.From.IsZero() {
		q = q.Where(squirrel.GtOrEq{"a.occurred_at": filters.From})
	}
	if !filters.To.IsZero() {
		q = q.Where(squirrel.Lt{"a.occurred_at": filters.To})
	}
	if filters.ActorID > 0 {
		q = q.Where(squirrel.Eq{"a.actor_id": filters.ActorID})
	}
	if v := strings.TrimSpace(filters.Entity); v != "" {
		q = q.Where(squirrel.Eq{"a.entity": v})
	}
	if v := strings.TrimSpace(filters.Action); v != "" {
		q = q.Where(squirrel.Like{"a.action": v + "%"})
	}
	return q
}

var _ Repository = (*PGRepository)(nil)
