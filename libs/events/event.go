// Package events defines the domain event envelope carried on the bus.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ContentType = "application/json"

var ErrInvalidEventType = errors.New("invalid event type")

// Event is the envelope every service publishes. Values are built once and
// treated as immutable; Stamp returns a filled-in copy.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	Source        string          `json:"source"`
}

// Envelope identifies the publishing side; used to fill absent fields.
type Envelope struct {
	Producer string
	Source   string
}

// New builds an event with a fresh id and the current UTC time.
func New(eventType string, payload any, env Envelope) (Event, error) {
	if err := ValidateType(eventType); err != nil {
		return Event{}, err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		Producer:      env.Producer,
		Source:        env.Source,
	}, nil
}

// Stamp fills envelope fields left empty by the producer.
func (e Event) Stamp(env Envelope, now time.Time) Event {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	if e.Producer == "" {
		e.Producer = env.Producer
	}
	if e.Source == "" {
		e.Source = env.Source
	}
	if e.SchemaVersion <= 0 {
		e.SchemaVersion = 1
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	return e
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// ValidateType checks the dotted <domain>.<entity>.<action> form. Words are
// lowercase ASCII letters, digits, '_' or '-'; at least three are required.
func ValidateType(eventType string) error {
	parts := strings.Split(eventType, ".")
	if len(parts) < 3 {
		return fmt.Errorf("%w: %q needs <domain>.<entity>.<action>", ErrInvalidEventType, eventType)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidEventType, eventType)
		}
		for _, r := range p {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidEventType, eventType, r)
			}
		}
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid json")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid json")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}
