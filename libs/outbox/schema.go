package outbox

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              BIGSERIAL PRIMARY KEY,
		event_id        TEXT NOT NULL UNIQUE,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		schema_version  INT NOT NULL DEFAULT 1,
		payload         JSONB NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING'
		                CHECK (status IN ('PENDING', 'PUBLISHED', 'FAILED')),
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error      TEXT,
		traceparent     TEXT,
		tracestate      TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_claim_idx
		ON outbox_events (next_attempt_at, id) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS outbox_events_status_created_idx
		ON outbox_events (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS inbox_events (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the outbox and inbox tables if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure outbox schema: %w", err)
		}
	}
	return nil
}
