package outbox

import (
	"context"
	"errors"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
	otelx "github.com/cetech1001/nlc-ai-test-sub013/libs/otel"
)

var ErrInvalidEvent = errors.New("outbox: invalid event")

// Writer inserts PENDING rows. It never publishes; the row becomes visible
// to the publisher only when the caller's transaction commits.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Write inserts evt inside tx and returns its event id. Pass the same pgx.Tx
// that carries the business mutation, typically from db.WithTx.
func (w *Writer) Write(ctx context.Context, tx Execer, evt Event) (string, error) {
	rec, err := w.record(ctx, evt)
	if err != nil {
		return "", err
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return "", err
	}
	return rec.EventID, nil
}

func (w *Writer) record(ctx context.Context, evt Event) (Record, error) {
	if evt.AggregateType == "" || evt.AggregateID == "" {
		return Record{}, errors.Join(ErrInvalidEvent, errors.New("aggregate type and id are required"))
	}
	de, err := events.New(evt.EventType, evt.Payload, events.Envelope{})
	if err != nil {
		return Record{}, errors.Join(ErrInvalidEvent, err)
	}
	if evt.EventID != "" {
		de.EventID = evt.EventID
	}
	if evt.SchemaVersion > 0 {
		de.SchemaVersion = evt.SchemaVersion
	}

	tc := otelx.CaptureTraceContext(ctx)
	return Record{
		EventID:       de.EventID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     de.EventType,
		SchemaVersion: de.SchemaVersion,
		Payload:       de.Payload,
		Status:        StatusPending,
		Traceparent:   tc.Traceparent,
		Tracestate:    tc.Tracestate,
	}, nil
}
