package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *db.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB is the pool side of the repository.
type DB interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store hands the publisher one claim transaction per cycle.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx holds the row locks of a claimed batch until Commit or Rollback.
type Tx interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Repository struct {
	db DB
}

var _ Store = (*Repository)(nil)

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const insertSQL = `
	INSERT INTO outbox_events (
		event_id, aggregate_type, aggregate_id, event_type, schema_version,
		payload, traceparent, tracestate
	) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))`

func insertRecord(ctx context.Context, tx Execer, r Record) error {
	_, err := tx.Exec(ctx, insertSQL,
		r.EventID,
		r.AggregateType,
		r.AggregateID,
		r.EventType,
		r.SchemaVersion,
		string(r.Payload),
		r.Traceparent,
		r.Tracestate,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", r.EventID, err)
	}
	return nil
}

func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// Purge deletes PUBLISHED or FAILED rows that settled before olderThan.
func (r *Repository) Purge(ctx context.Context, status Status, olderThan time.Time) (int64, error) {
	if status != StatusPublished && status != StatusFailed {
		return 0, fmt.Errorf("purge: status %q is not terminal", status)
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = $1 AND COALESCE(published_at, created_at) < $2
	`, string(status), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", status, err)
	}
	return tag.RowsAffected(), nil
}

// Requeue moves FAILED rows back to PENDING with a fresh attempt budget.
// An empty ids slice requeues every FAILED row.
func (r *Repository) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if ids == nil {
		ids = []int64{}
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', attempts = 0, next_attempt_at = now(), last_error = NULL
		WHERE status = 'FAILED' AND (cardinality($1::bigint[]) = 0 OR id = ANY($1::bigint[]))
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	return tag.RowsAffected(), nil
}

type Stats struct {
	Pending         int64      `json:"pending"`
	Published       int64      `json:"published"`
	Failed          int64      `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, count(*), min(created_at)
		FROM outbox_events
		GROUP BY status
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			status string
			count  int64
			oldest *time.Time
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return Stats{}, fmt.Errorf("outbox stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
			s.OldestPendingAt = oldest
		case StatusPublished:
			s.Published = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

const claimSQL = `
	SELECT id, event_id, aggregate_type, aggregate_id, event_type, schema_version,
	       payload, status, attempts, next_attempt_at, COALESCE(last_error, ''),
	       COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at, published_at
	FROM outbox_events
	WHERE status = 'PENDING' AND next_attempt_at <= $1
	ORDER BY created_at, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED`

func (t *pgTx) Claim(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	rows, err := t.tx.Query(ctx, claimSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			payload []byte
			status  string
		)
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.EventType,
			&rec.SchemaVersion, &payload, &status, &rec.Attempts, &rec.NextAttemptAt,
			&rec.LastError, &rec.Traceparent, &rec.Tracestate, &rec.CreatedAt, &rec.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		rec.Payload = payload
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = $2, last_error = NULL
		WHERE id = $1
	`, id, at)
	return err
}

func (t *pgTx) MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1
	`, id, attempts, next, lastErr)
	return err
}

func (t *pgTx) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', attempts = $2, last_error = $3
		WHERE id = $1
	`, id, attempts, lastErr)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
