package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLog is one administrative change recorded in audit_log.
type AuditLog struct {
	ActorID   int64
	Action    string
	Entity    string
	EntityID  string
	RequestID string
	Meta      map[string]any
	At        time.Time
}

// AuditLogger writes records into audit_log.
type AuditLogger struct {
	db      Execer
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewAuditLogger returns an AuditLogger writing through db.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

// Record persists the entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.At.IsZero() {
		log.At = l.now().UTC()
	}
	if log.RequestID == "" {
		log.RequestID = RequestIDFromContext(ctx)
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var requestID any
	if log.RequestID != "" {
		requestID = log.RequestID
	}
	query, args, err := l.builder.
		Insert("audit_log").
		Columns("actor_id", "action", "entity", "entity_id", "request_id", "meta", "occurred_at").
		Values(log.ActorID, log.Action, log.Entity, log.EntityID, requestID, meta, log.At).
		ToSql()
	if err != nil {
		return fmt.Errorf("audit: build insert: %w", err)
	}
	if _, err := l.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
