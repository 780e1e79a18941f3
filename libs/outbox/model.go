// Package outbox writes domain events in the caller's database transaction
// and relays them to the bus from a background publisher.
//
// Delivery to the broker is at-least-once: a crash after the broker accepts a
// message but before its row is marked PUBLISHED republishes it with the same
// event id on restart.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Event is what business code hands to the Writer. EventID is optional and
// generated when empty. Payload may be any JSON-encodable value.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	SchemaVersion int
	Payload       any
}

// Record is one row of outbox_events.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	SchemaVersion int
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// DomainEvent rebuilds the envelope published for r. Producer and Source are
// stamped by the bus.
func (r Record) DomainEvent() events.Event {
	return events.Event{
		EventID:       r.EventID,
		EventType:     r.EventType,
		SchemaVersion: r.SchemaVersion,
		Payload:       r.Payload,
		OccurredAt:    r.CreatedAt.UTC(),
	}
}
