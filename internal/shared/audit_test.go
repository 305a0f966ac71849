package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execRecorder struct {
	sql  string
	args []any
	err  error
}

func (e *execRecorder) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	e.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), e.err
}

func TestAuditLoggerRecord(t *testing.T) {
	db := &execRecorder{}
	logger := NewAuditLogger(db)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	ctx := context.WithValue(context.Background(), chimw.RequestIDKey, "req-1")
	err := logger.Record(ctx, AuditLog{
		ActorID:  1,
		Action:   "rbac.toggled",
		Entity:   "role_permission",
		EntityID: "counter:VIEW_REPORTS",
		Meta:     map[string]any{"granted": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO audit_log (actor_id,action,entity,entity_id,request_id,meta,occurred_at) VALUES ($1,$2,$3,$4,$5,$6,$7)", db.sql)
	require.Len(t, db.args, 7)
	assert.Equal(t, "req-1", db.args[4])
	assert.JSONEq(t, `{"granted":true}`, string(db.args[5].([]byte)))
	assert.Equal(t, fixed, db.args[6])
}

func TestAuditLoggerRejectsIncompleteEntries(t *testing.T) {
	db := &execRecorder{}
	logger := NewAuditLogger(db)
	assert.Error(t, logger.Record(context.Background(), AuditLog{Action: "x", Entity: "y"}))
	assert.Empty(t, db.sql)

	var nilLogger *AuditLogger
	assert.Error(t, nilLogger.Record(context.Background(), AuditLog{Action: "x", Entity: "y", EntityID: "1"}))
}

func TestAuditLoggerWrapsExecError(t *testing.T) {
	db := &execRecorder{err: errors.New("connection reset")}
	err := NewAuditLogger(db).Record(context.Background(), AuditLog{Action: "x", Entity: "y", EntityID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Nil(t, db.args[4])
}
