package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
)

type fakeAdmin struct {
	requeued  []int64
	status    outbox.Status
	olderThan time.Time
	schema    bool
	closed    bool
}

func (f *fakeAdmin) Stats(context.Context) (outbox.Stats, error) {
	return outbox.Stats{Pending: 4, Failed: 1}, nil
}

func (f *fakeAdmin) Requeue(_ context.Context, ids []int64) (int64, error) {
	f.requeued = ids
	return int64(len(ids)), nil
}

func (f *fakeAdmin) Purge(_ context.Context, status outbox.Status, olderThan time.Time) (int64, error) {
	f.status, f.olderThan = status, olderThan
	return 9, nil
}

func (f *fakeAdmin) EnsureSchema(context.Context) error {
	f.schema = true
	return nil
}

func run(t *testing.T, a *fakeAdmin, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(func(context.Context) (admin, func(), error) {
		return a, func() { a.closed = true }, nil
	}, &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStats(t *testing.T) {
	a := &fakeAdmin{}
	out, err := run(t, a, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": 4`)
	assert.Contains(t, out, `"failed": 1`)
	assert.True(t, a.closed)
}

func TestRequeue(t *testing.T) {
	a := &fakeAdmin{}
	out, err := run(t, a, "requeue", "3", "7")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, a.requeued)
	assert.Equal(t, "requeued=2\n", out)

	_, err = run(t, &fakeAdmin{}, "requeue", "abc")
	assert.Error(t, err)
}

func TestPurge(t *testing.T) {
	a := &fakeAdmin{}
	before := time.Now()
	out, err := run(t, a, "purge", "--status", "failed", "--older-than", "24h")
	require.NoError(t, err)
	assert.Equal(t, "purged=9\n", out)
	assert.Equal(t, outbox.StatusFailed, a.status)
	assert.WithinDuration(t, before.Add(-24*time.Hour), a.olderThan, 5*time.Second)

	_, err = run(t, &fakeAdmin{}, "purge", "--status", "PENDING")
	assert.Error(t, err)
}

func TestSchemaAndOpenFailure(t *testing.T) {
	a := &fakeAdmin{}
	_, err := run(t, a, "schema")
	require.NoError(t, err)
	assert.True(t, a.schema)

	cmd := newRootCmd(func(context.Context) (admin, func(), error) {
		return nil, nil, errors.New("DATABASE_URL is required")
	}, &bytes.Buffer{})
	cmd.SetArgs([]string{"stats"})
	assert.EqualError(t, cmd.Execute(), "DATABASE_URL is required")
}
