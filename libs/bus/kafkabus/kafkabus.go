// Package kafkabus implements bus.Bus on Kafka. The exchange becomes a topic
// keyed by routing key, a queue becomes a consumer group that filters by its
// binding patterns, and each queue dead-letters into its own <queue>.dlq topic.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

type Bus struct {
	cfg    bus.Config
	logger *slog.Logger
	topic  string
	dialer *kafka.Dialer

	mu      sync.Mutex
	writer  *kafka.Writer
	dlq     *kafka.Writer
	readers []*kafka.Reader
	closed  bool

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

func New(cfg bus.Config, logger *slog.Logger) *Bus {
	cfg = cfg.WithDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus", "driver", "kafka"),
		topic:  bus.ExchangeName(cfg.Namespace),
		dialer: &kafka.Dialer{Timeout: cfg.PublishTimeout},
		life:   life,
		cancel: cancel,
	}
}

func (b *Bus) Connect(ctx context.Context) error {
	if len(b.cfg.Brokers) == 0 {
		return &bus.ConnectionError{Target: "kafka", Err: errors.New("no brokers configured")}
	}
	err := bus.Retry(ctx, b.cfg.ConnectRetry, b.logger, "kafka connect", func(ctx context.Context) error {
		return b.ensureTopics(ctx, b.topic)
	})
	if err != nil {
		return &bus.ConnectionError{Target: b.cfg.Brokers[0], Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        b.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: b.cfg.PublishTimeout,
	}
	b.dlq = &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: b.cfg.PublishTimeout,
	}
	b.logger.Info("kafka connected", "topic", b.topic, "brokers", b.cfg.Brokers)
	return nil
}

// ensureTopics creates topics through the controller; existing ones are left
// untouched.
func (b *Bus) ensureTopics(ctx context.Context, topics ...string) error {
	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cconn, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cconn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     b.cfg.Partitions,
			ReplicationFactor: b.cfg.ReplicationFactor,
		})
	}
	if err := cconn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, routingKey string, evt events.Event) error {
	evt = evt.Stamp(b.cfg.Envelope(), time.Now())
	fail := func(err error) error {
		return &bus.PublishError{RoutingKey: routingKey, EventID: evt.EventID, Err: err}
	}

	body, err := evt.Marshal()
	if err != nil {
		return fail(err)
	}
	headers := []kafka.Header{
		{Key: headerRoutingKey, Value: []byte(routingKey)},
		{Key: headerEventID, Value: []byte(evt.EventID)},
		{Key: headerEventType, Value: []byte(evt.EventType)},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &headers})

	b.mu.Lock()
	w := b.writer
	b.mu.Unlock()
	if w == nil {
		return fail(bus.ErrNotConnected)
	}

	ctx, cancel := bus.PublishContext(ctx, b.cfg.PublishTimeout)
	defer cancel()
	err = w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(routingKey),
		Value:   body,
		Headers: headers,
		Time:    evt.OccurredAt,
	})
	if err != nil {
		return fail(err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, queue string, routingKeys []string, h bus.Handler) error {
	if len(routingKeys) == 0 {
		return fmt.Errorf("subscribe %s: no routing keys", queue)
	}
	for _, k := range routingKeys {
		if err := bus.ValidatePattern(k); err != nil {
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
	}

	b.mu.Lock()
	connected := b.writer != nil
	b.mu.Unlock()
	if !connected {
		return bus.ErrNotConnected
	}
	if err := b.ensureTopics(ctx, bus.DeadLetterQueue(queue)); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     queue,
		Topic:       b.topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		Dialer:      b.dialer,
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = reader.Close()
		return bus.ErrClosed
	}
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.logger.Info("kafka subscribed", "queue", queue, "routing_keys", routingKeys)
	b.wg.Add(1)
	go b.consume(ctx, queue, routingKeys, reader, h)
	return nil
}

func (b *Bus) consume(ctx context.Context, queue string, keys []string, reader *kafka.Reader, h bus.Handler) {
	defer b.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.life.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("kafka fetch failed", "queue", queue, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if MatchesQueue(keys, msg) && !b.handle(ctx, queue, msg, h) {
			// Uncommitted: the record is fetched again after a restart or
			// rebalance.
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		// Offsets advance only once the record is handled or dead-lettered.
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Error("kafka commit failed", "queue", queue, "offset", msg.Offset, "err", err)
		}
	}
}

// MatchesQueue reports whether a record on the exchange topic is routed to a
// queue bound with patterns.
func MatchesQueue(patterns []string, msg kafka.Message) bool {
	return bus.MatchAny(patterns, routingKeyOf(msg))
}

// handle runs h and reports whether the record may be committed: true when h
// succeeded or the failure reached the dead-letter topic.
func (b *Bus) handle(ctx context.Context, queue string, msg kafka.Message, h bus.Handler) bool {
	routingKey := routingKeyOf(msg)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	msgCtx, span := otel.Tracer("bus").Start(msgCtx, "bus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.routing_key", routingKey),
		),
	)
	defer span.End()

	messageID := headerValue(msg.Headers, headerEventID)
	evt, err := events.Unmarshal(msg.Value)
	if err == nil {
		if messageID == "" {
			messageID = evt.EventID
		}
		err = bus.Invoke(msgCtx, h, bus.Message{
			RoutingKey: routingKey,
			MessageID:  messageID,
			Event:      evt,
		})
	}
	if err == nil {
		return true
	}

	herr := &bus.HandlerError{Queue: queue, MessageID: messageID, Err: err}
	span.RecordError(herr)
	span.SetStatus(codes.Error, "dead-lettered")
	b.logger.Error("message dead-lettered", "queue", queue, "routing_key", routingKey, "err", herr)
	bus.RecordDeadLetter(msgCtx, "kafka", queue)

	b.mu.Lock()
	dlq := b.dlq
	b.mu.Unlock()
	if dlq == nil {
		b.logger.Error("kafka dead-letter writer unavailable, leaving offset uncommitted", "queue", queue, "offset", msg.Offset)
		return false
	}
	werr := bus.Retry(ctx, b.cfg.ReconnectRetry, b.logger, "kafka dead-letter", func(ctx context.Context) error {
		wctx, cancel := bus.PublishContext(ctx, b.cfg.PublishTimeout)
		defer cancel()
		return dlq.WriteMessages(wctx, deadLetter(queue, msg, herr))
	})
	if werr != nil {
		if ctx.Err() == nil {
			b.logger.Error("kafka dead-letter write failed", "queue", queue, "offset", msg.Offset, "err", werr)
		}
		return false
	}
	return true
}

func (b *Bus) Ready(ctx context.Context) error {
	b.mu.Lock()
	connected := b.writer != nil
	b.mu.Unlock()
	if !connected {
		return bus.ErrNotConnected
	}
	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// Consumers finish with the dead-letter writer still in place.
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	w, dlq, readers := b.writer, b.dlq, b.readers
	b.writer, b.dlq, b.readers = nil, nil, nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	if w != nil {
		errs = append(errs, w.Close())
	}
	if dlq != nil {
		errs = append(errs, dlq.Close())
	}
	return errors.Join(errs...)
}
