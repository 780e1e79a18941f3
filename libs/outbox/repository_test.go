package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStop = errors.New("stop")

type capturingTx struct {
	pgx.Tx
	sql  []string
	args [][]any
}

func (t *capturingTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.sql = append(t.sql, sql)
	t.args = append(t.args, args)
	return nil, errStop
}

func (t *capturingTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.sql = append(t.sql, sql)
	t.args = append(t.args, args)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestClaimLocksOldestDueRows(t *testing.T) {
	tx := &capturingTx{}
	now := time.Now()
	_, err := (&pgTx{tx: tx}).Claim(context.Background(), now, 25)
	require.ErrorIs(t, err, errStop)

	require.Len(t, tx.sql, 1)
	q := tx.sql[0]
	assert.Contains(t, q, "status = 'PENDING'")
	assert.Contains(t, q, "next_attempt_at <= $1")
	assert.Contains(t, q, "ORDER BY created_at, id")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(q), "FOR UPDATE SKIP LOCKED"))
	assert.Equal(t, []any{now, 25}, tx.args[0])
}

func TestMarkStatements(t *testing.T) {
	tx := &capturingTx{}
	ptx := &pgTx{tx: tx}
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, ptx.MarkPublished(ctx, 7, at))
	require.NoError(t, ptx.MarkRetry(ctx, 7, 2, at, "timeout"))
	require.NoError(t, ptx.MarkFailed(ctx, 7, 5, "timeout"))

	assert.Contains(t, tx.sql[0], "status = 'PUBLISHED'")
	assert.Contains(t, tx.sql[1], "next_attempt_at = $3")
	assert.Contains(t, tx.sql[2], "status = 'FAILED'")
	assert.Equal(t, []any{int64(7), 5, "timeout"}, tx.args[2])
}

type fakePool struct {
	capturingTx
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) { return &p.capturingTx, nil }

func TestPurgeOnlyTerminalStatuses(t *testing.T) {
	pool := &fakePool{}
	repo := NewRepository(pool)

	_, err := repo.Purge(context.Background(), StatusPending, time.Now())
	require.Error(t, err)
	assert.Empty(t, pool.sql)

	n, err := repo.Purge(context.Background(), StatusPublished, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "PUBLISHED", pool.args[0][0])
}

func TestRequeueAllWhenNoIDs(t *testing.T) {
	pool := &fakePool{}
	repo := NewRepository(pool)

	_, err := repo.Requeue(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, pool.sql[0], "WHERE status = 'FAILED'")
	assert.Equal(t, []int64{}, pool.args[0][0])
}

type recordingExecer struct {
	sql []string
}

func (e *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	e.sql = append(e.sql, sql)
	return pgconn.CommandTag{}, nil
}

func TestEnsureSchemaCreatesBothTables(t *testing.T) {
	e := &recordingExecer{}
	require.NoError(t, EnsureSchema(context.Background(), e))
	joined := strings.Join(e.sql, "\n")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS outbox_events")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS inbox_events")
	assert.Contains(t, joined, "WHERE status = 'PENDING'")
}
