package outbox

import (
	"context"
	"log/slog"
)

// Alerter is told about every record that exhausted its attempts.
type Alerter interface {
	OutboxRecordFailed(ctx context.Context, rec Record, err error)
}

// LogAlerter raises the alert as an error log line.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) OutboxRecordFailed(_ context.Context, rec Record, err error) {
	a.Logger.Error("ALERT outbox event failed permanently",
		"event_id", rec.EventID,
		"event_type", rec.EventType,
		"aggregate_type", rec.AggregateType,
		"aggregate_id", rec.AggregateID,
		"attempts", rec.Attempts,
		"err", err,
	)
}
