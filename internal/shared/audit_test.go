package shared

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQuerier struct {
	sql  string
	args []any
}

func (q *recordingQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.sql, q.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (q *recordingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("unexpected query")
}

func (q *recordingQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("unexpected query row")
}

func TestWriteAudit(t *testing.T) {
	q := &recordingQuerier{}
	err := WriteAudit(context.Background(), q, AuditLog{
		ActorID:  "alice",
		Action:   "role.create",
		Entity:   "role",
		EntityID: "42",
		Meta:     map[string]any{"name": "Clerk"},
	})
	require.NoError(t, err)
	assert.Contains(t, q.sql, "INSERT INTO audit_logs")
	require.Len(t, q.args, 6)
	assert.Equal(t, "alice", q.args[0])
	assert.Equal(t, "role.create", q.args[1])

	var meta map[string]any
	require.NoError(t, json.Unmarshal(q.args[4].([]byte), &meta))
	assert.Equal(t, "Clerk", meta["name"])
}

func TestWriteAuditRequiresIdentity(t *testing.T) {
	q := &recordingQuerier{}
	err := WriteAudit(context.Background(), q, AuditLog{Action: "role.create", Entity: "role"})
	require.Error(t, err)
	assert.Empty(t, q.sql)
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "system", ActorFromContext(context.Background()))
	assert.Equal(t, "system", ActorFromContext(ContextWithActor(context.Background(), "")))
	assert.Equal(t, "bob", ActorFromContext(ContextWithActor(context.Background(), "bob")))
}
