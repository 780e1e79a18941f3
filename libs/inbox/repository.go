// Package inbox records consumed event ids so redelivered messages can be
// recognised and skipped.
package inbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	db Execer
}

var _ bus.Recorder = (*Repository)(nil)

func NewRepository(db Execer) *Repository {
	return &Repository{db: db}
}

// Record returns false when eventID was already recorded. The insert does
// not raise on conflict, so it is safe inside a caller's transaction.
func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("record inbox event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) Forget(ctx context.Context, eventID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM inbox_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("forget inbox event %s: %w", eventID, err)
	}
	return nil
}

type txKey struct{}

// TxFromContext returns the transaction opened by Handler, so the handler's
// own writes commit or roll back together with the inbox row.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Handler runs h inside one transaction that also records the event id. A
// failing handler, a panic or a crash before commit leaves no inbox row, so
// the next delivery runs h again.
func Handler(database db.Beginner, h bus.Handler, onDuplicate func(bus.Message)) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		id := msg.Event.EventID
		if id == "" {
			id = msg.MessageID
		}
		duplicate := false
		err := db.WithTx(ctx, database, func(tx pgx.Tx) error {
			fresh, err := NewRepository(tx).Record(ctx, id, msg.Event.EventType)
			if err != nil {
				return err
			}
			if !fresh {
				duplicate = true
				return nil
			}
			return bus.Invoke(context.WithValue(ctx, txKey{}, tx), h, msg)
		})
		if err != nil {
			return err
		}
		if duplicate && onDuplicate != nil {
			onDuplicate(msg)
		}
		return nil
	}
}
