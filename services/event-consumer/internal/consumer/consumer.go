// Package consumer subscribes the configured queues and logs every domain
// event it receives.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

// Subscriber is the part of bus.Bus the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, routingKeys []string, h bus.Handler) error
}

var errPayloadNotObject = errors.New("event payload is not a json object")

// LogHandler validates the envelope and logs the event.
func LogHandler(logger *slog.Logger) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		evt := msg.Event
		if err := events.ValidateType(evt.EventType); err != nil {
			return err
		}
		var payload map[string]any
		if len(evt.Payload) > 0 {
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				return fmt.Errorf("%w: %v", errPayloadNotObject, err)
			}
		}
		logger.InfoContext(ctx, "event received",
			"event_id", evt.EventID,
			"event_type", evt.EventType,
			"schema_version", evt.SchemaVersion,
			"routing_key", msg.RoutingKey,
			"producer", evt.Producer,
			"redelivered", msg.Redelivered,
			"payload_fields", len(payload),
		)
		return nil
	}
}

// OnDuplicate logs an event the inbox already processed.
func OnDuplicate(logger *slog.Logger) func(bus.Message) {
	return func(msg bus.Message) {
		logger.Info("duplicate event skipped",
			"event_id", msg.Event.EventID,
			"event_type", msg.Event.EventType,
			"routing_key", msg.RoutingKey,
		)
	}
}

// SubscribeAll registers h on every binding. It stops at the first binding
// that fails.
func SubscribeAll(ctx context.Context, sub Subscriber, bindings []bus.Binding, h bus.Handler) error {
	for _, b := range bindings {
		if err := sub.Subscribe(ctx, b.Queue, b.RoutingKeys, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", b.Queue, err)
		}
	}
	return nil
}
