package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

// fakeDB stands in for Postgres: inserts made through a pgx.Tx become
// visible only on commit, and claims skip rows locked by another open claim.
type fakeDB struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*Record
	business []string
	locked   map[int64]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[int64]*Record{}, locked: map[int64]bool{}}
}

// Begin satisfies db.Beginner for the write side.
func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeWriteTx{db: d}, nil
}

func (d *fakeDB) store() Store { return fakeStore{db: d} }

func (d *fakeDB) record(id int64) Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.rows[id]
}

func (d *fakeDB) all() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.rows))
	for id := int64(1); id <= d.nextID; id++ {
		if r, ok := d.rows[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

type fakeWriteTx struct {
	pgx.Tx
	db       *fakeDB
	pending  []Record
	business []string
	done     bool
}

func (t *fakeWriteTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO outbox_events"):
		t.pending = append(t.pending, Record{
			EventID:       args[0].(string),
			AggregateType: args[1].(string),
			AggregateID:   args[2].(string),
			EventType:     args[3].(string),
			SchemaVersion: args[4].(int),
			Payload:       json.RawMessage(args[5].(string)),
			Traceparent:   args[6].(string),
			Tracestate:    args[7].(string),
		})
	case strings.Contains(sql, "INSERT INTO lessons"):
		t.business = append(t.business, fmt.Sprint(args...))
	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected statement %q", sql)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeWriteTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	d := t.db
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range t.pending {
		d.nextID++
		r.ID = d.nextID
		r.Status = StatusPending
		r.CreatedAt = time.Unix(0, d.nextID).UTC()
		rec := r
		d.rows[r.ID] = &rec
	}
	d.business = append(d.business, t.business...)
	return nil
}

func (t *fakeWriteTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	return nil
}

type fakeStore struct {
	db *fakeDB
}

func (s fakeStore) Begin(context.Context) (Tx, error) {
	return &fakeClaimTx{db: s.db, updates: map[int64]Record{}}, nil
}

type fakeClaimTx struct {
	db      *fakeDB
	claimed []int64
	updates map[int64]Record
	done    bool
}

func (t *fakeClaimTx) Claim(_ context.Context, now time.Time, limit int) ([]Record, error) {
	d := t.db
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Record
	for id := int64(1); id <= d.nextID && len(out) < limit; id++ {
		r, ok := d.rows[id]
		if !ok || r.Status != StatusPending || r.NextAttemptAt.After(now) || d.locked[id] {
			continue
		}
		d.locked[id] = true
		t.claimed = append(t.claimed, id)
		out = append(out, *r)
	}
	return out, nil
}

func (t *fakeClaimTx) update(id int64, fn func(*Record)) error {
	t.db.mu.Lock()
	r, ok := t.updates[id]
	if !ok {
		r = *t.db.rows[id]
	}
	t.db.mu.Unlock()
	fn(&r)
	t.updates[id] = r
	return nil
}

func (t *fakeClaimTx) MarkPublished(_ context.Context, id int64, at time.Time) error {
	return t.update(id, func(r *Record) {
		r.Status = StatusPublished
		r.PublishedAt = &at
		r.LastError = ""
	})
}

func (t *fakeClaimTx) MarkRetry(_ context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	return t.update(id, func(r *Record) {
		r.Attempts = attempts
		r.NextAttemptAt = next
		r.LastError = lastErr
	})
}

func (t *fakeClaimTx) MarkFailed(_ context.Context, id int64, attempts int, lastErr string) error {
	return t.update(id, func(r *Record) {
		r.Status = StatusFailed
		r.Attempts = attempts
		r.LastError = lastErr
	})
}

func (t *fakeClaimTx) Commit(context.Context) error {
	return t.finish(true)
}

func (t *fakeClaimTx) Rollback(context.Context) error {
	return t.finish(false)
}

func (t *fakeClaimTx) finish(apply bool) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	d := t.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if apply {
		for id, r := range t.updates {
			rec := r
			d.rows[id] = &rec
		}
	}
	for _, id := range t.claimed {
		delete(d.locked, id)
	}
	return nil
}

// fakeBus fails the first failN publishes, then records what it accepts.
type fakeBus struct {
	mu        sync.Mutex
	failN     int
	calls     int
	published []events.Event
	keys      []string
	block     chan struct{}
	entered   chan struct{}
}

func (b *fakeBus) Publish(ctx context.Context, routingKey string, evt events.Event) error {
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failN {
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, evt)
	b.keys = append(b.keys, routingKey)
	return nil
}

func (b *fakeBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.published...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	failed []Record
}

func (a *recordingAlerter) OutboxRecordFailed(_ context.Context, rec Record, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, rec)
}
