// Package bus is the client contract for the domain event broker: one
// durable topic exchange, durable queues bound by routing-key patterns,
// manual acknowledgement and a dead-letter queue per subscription.
//
// Delivery is at-least-once. Ordering holds only within a single queue and
// consumer, so handlers must tolerate duplicates (see Deduplicate).
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

// Bus is implemented by the amqpbus and kafkabus drivers. A Bus owns one
// broker connection for the life of the process; it is built at startup,
// injected where needed and closed on shutdown.
type Bus interface {
	// Connect opens the connection and declares the exchange. It retries
	// with backoff and returns a *ConnectionError once retries run out.
	Connect(ctx context.Context) error
	// Publish sends evt persistently with message id = EventID and waits
	// for the broker to confirm it. Failures are *PublishError.
	Publish(ctx context.Context, routingKey string, evt events.Event) error
	// Subscribe declares queue, binds it for every routing key and starts
	// consuming in the background until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, queue string, routingKeys []string, h Handler) error
	// Ready reports whether the connection is currently usable.
	Ready(ctx context.Context) error
	Close() error
}

// Message is one delivery handed to a Handler.
type Message struct {
	RoutingKey  string
	MessageID   string
	Redelivered bool
	Event       events.Event
}

// Handler processes a delivery. A nil return acknowledges it; an error (or a
// panic) rejects it without requeue so it lands in the dead-letter queue.
type Handler func(ctx context.Context, msg Message) error

type Config struct {
	Driver    string
	URL       string
	Brokers   []string
	Namespace string
	Producer  string
	Source    string
	// ConnectRetry bounds the startup connect; runtime reconnects retry
	// forever with jitter.
	ConnectRetry   RetryPolicy
	ReconnectRetry RetryPolicy
	PublishTimeout time.Duration
	Prefetch       int
	// Partitions and ReplicationFactor apply when the kafka driver creates
	// the exchange topic.
	Partitions        int
	ReplicationFactor int
}

func (c Config) WithDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "app"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 20
	}
	if c.Partitions <= 0 {
		c.Partitions = 3
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	c.ConnectRetry = c.ConnectRetry.withDefaults(time.Minute)
	c.ReconnectRetry = c.ReconnectRetry.withDefaults(0)
	return c
}

func (c Config) Envelope() events.Envelope {
	return events.Envelope{Producer: c.Producer, Source: c.Source}
}

// ExchangeName follows the <namespace>.domain.events convention.
func ExchangeName(namespace string) string {
	return namespace + ".domain.events"
}

// DeadLetterExchange receives rejected deliveries from every queue.
func DeadLetterExchange(namespace string) string {
	return ExchangeName(namespace) + ".dlx"
}

func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Binding is static subscription configuration.
type Binding struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
}

// ParseBindings reads "queue=key1,key2;other=key3" into bindings on exchange.
func ParseBindings(raw, exchange string) ([]Binding, error) {
	var out []Binding
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		queue, keys, ok := strings.Cut(part, "=")
		queue = strings.TrimSpace(queue)
		if !ok || queue == "" {
			return nil, fmt.Errorf("binding %q: want queue=key1,key2", part)
		}
		b := Binding{Queue: queue, Exchange: exchange}
		for _, k := range strings.Split(keys, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if err := ValidatePattern(k); err != nil {
				return nil, fmt.Errorf("binding %q: %w", queue, err)
			}
			b.RoutingKeys = append(b.RoutingKeys, k)
		}
		if len(b.RoutingKeys) == 0 {
			return nil, fmt.Errorf("binding %q has no routing keys", queue)
		}
		out = append(out, b)
	}
	return out, nil
}

// PublishContext applies the per-attempt publish timeout unless ctx already
// carries an earlier deadline.
func PublishContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
