// Package amqpbus implements bus.Bus on RabbitMQ.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
)

type subscription struct {
	ctx     context.Context
	queue   string
	keys    []string
	handler bus.Handler
}

// Bus holds the single connection and channel of the process. Every channel
// operation (declare, publish, ack, nack) takes mu; amqp091 channels must not
// be driven from several goroutines without it.
type Bus struct {
	cfg      bus.Config
	logger   *slog.Logger
	exchange string
	dlx      string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	subs []subscription

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

func New(cfg bus.Config, logger *slog.Logger) *Bus {
	cfg = cfg.WithDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:      cfg,
		logger:   logger.With("component", "bus", "driver", "amqp"),
		exchange: bus.ExchangeName(cfg.Namespace),
		dlx:      bus.DeadLetterExchange(cfg.Namespace),
		life:     life,
		cancel:   cancel,
	}
}

func (b *Bus) Connect(ctx context.Context) error {
	err := bus.Retry(ctx, b.cfg.ConnectRetry, b.logger, "amqp connect", b.dial)
	if err != nil {
		return &bus.ConnectionError{Target: redactURL(b.cfg.URL), Err: err}
	}
	b.logger.Info("amqp connected", "exchange", b.exchange)
	return nil
}

func (b *Bus) dial(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.Permanent(bus.ErrClosed)
	}

	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(b.cfg.PublishTimeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": b.cfg.Producer},
	})
	if err != nil {
		return err
	}
	ch, err := b.openChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	b.conn, b.ch = conn, ch

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	b.wg.Add(1)
	go b.watch(conn, connClosed, chClosed)
	return nil
}

func (b *Bus) openChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	if err := ch.ExchangeDeclare(b.dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", b.dlx, err)
	}
	return ch, nil
}

// closeEvent says which side of the session went away.
type closeEvent struct {
	scope  string
	reason *amqp.Error
}

// waitClosed blocks until the connection or the shared channel closes. It
// returns false when done fires first.
func waitClosed(done <-chan struct{}, connClosed, chClosed <-chan *amqp.Error) (closeEvent, bool) {
	select {
	case <-done:
		return closeEvent{}, false
	case reason := <-connClosed:
		return closeEvent{scope: "connection", reason: reason}, true
	case reason := <-chClosed:
		return closeEvent{scope: "channel", reason: reason}, true
	}
}

// watch waits for the connection or the shared channel to drop and
// reconnects off the request path. A channel closed by the broker (a failed
// declare, a bad ack) leaves the connection open, so the connection is torn
// down too and both are rebuilt. Publishes fail fast with ErrNotConnected in
// the meantime.
func (b *Bus) watch(conn *amqp.Connection, connClosed, chClosed <-chan *amqp.Error) {
	defer b.wg.Done()
	ev, ok := waitClosed(b.life.Done(), connClosed, chClosed)
	if !ok {
		return
	}
	if ev.scope == "channel" {
		_ = conn.Close()
	}

	b.mu.Lock()
	b.conn, b.ch = nil, nil
	isClosed := b.closed
	b.mu.Unlock()
	if isClosed {
		return
	}
	b.logger.Warn("amqp session lost", "scope", ev.scope, "err", ev.reason)

	err := bus.Retry(b.life, b.cfg.ReconnectRetry, b.logger, "amqp reconnect", b.dial)
	if err != nil {
		if b.life.Err() == nil {
			b.logger.Error("amqp reconnect abandoned", "err", err)
		}
		return
	}
	b.logger.Info("amqp reconnected")

	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		if err := b.consume(s); err != nil {
			b.logger.Error("amqp resubscribe failed", "queue", s.queue, "err", err)
		}
	}
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
	headers := amqp.Table{
		"event_type":     evt.EventType,
		"schema_version": int32(evt.SchemaVersion),
		"source":         evt.Source,
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	ctx, cancel := bus.PublishContext(ctx, b.cfg.PublishTimeout)
	defer cancel()

	b.mu.Lock()
	if b.ch == nil {
		b.mu.Unlock()
		return fail(bus.ErrNotConnected)
	}
	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  events.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.EventID,
		Timestamp:    evt.OccurredAt,
		Type:         evt.EventType,
		AppId:        evt.Producer,
		Headers:      headers,
		Body:         body,
	})
	b.mu.Unlock()
	if err != nil {
		return fail(err)
	}
	if confirm == nil {
		return fail(errors.New("channel is not in confirm mode"))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fail(err)
	}
	if !acked {
		return fail(bus.ErrNacked)
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
	s := subscription{ctx: ctx, queue: queue, keys: routingKeys, handler: h}
	if err := b.consume(s); err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return nil
}

func (b *Bus) consume(s subscription) error {
	b.mu.Lock()
	conn, ch := b.conn, b.ch
	b.mu.Unlock()
	if conn == nil || ch == nil {
		return bus.ErrNotConnected
	}

	// A declare that clashes with an existing queue closes its channel, so
	// topology goes through a short-lived channel and never kills the
	// shared one.
	topo, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	err = b.declareQueue(topo, s)
	if !topo.IsClosed() {
		_ = topo.Close()
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.ch != ch {
		b.mu.Unlock()
		return bus.ErrNotConnected
	}
	deliveries, err := ch.Consume(s.queue, "", false, false, false, false, nil)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}

	b.logger.Info("amqp subscribed", "queue", s.queue, "routing_keys", s.keys)
	b.wg.Add(1)
	go b.loop(s, deliveries)
	return nil
}

func (b *Bus) declareQueue(ch *amqp.Channel, s subscription) error {
	dlq := bus.DeadLetterQueue(s.queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlq, b.dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    b.dlx,
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	for _, key := range s.keys {
		if err := ch.QueueBind(s.queue, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", s.queue, key, err)
		}
	}
	return nil
}

func (b *Bus) loop(s subscription, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-b.life.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel closed; watch re-registers the subscription.
				return
			}
			b.handle(s, d)
		}
	}
}

func (b *Bus) handle(s subscription, d amqp.Delivery) {
	ctx := otel.GetTextMapPropagator().Extract(s.ctx, tableCarrier(d.Headers))
	ctx, span := otel.Tracer("bus").Start(ctx, "bus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", s.queue),
			attribute.String("messaging.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	evt, err := events.Unmarshal(d.Body)
	if err == nil {
		err = bus.Invoke(ctx, s.handler, bus.Message{
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			Redelivered: d.Redelivered,
			Event:       evt,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		herr := &bus.HandlerError{Queue: s.queue, MessageID: d.MessageId, Err: err}
		span.RecordError(herr)
		span.SetStatus(codes.Error, "dead-lettered")
		b.logger.Error("message dead-lettered", "queue", s.queue, "routing_key", d.RoutingKey, "err", herr)
		bus.RecordDeadLetter(ctx, "rabbitmq", s.queue)
		if nerr := d.Nack(false, false); nerr != nil {
			b.logger.Error("amqp nack failed", "queue", s.queue, "err", nerr)
		}
		return
	}
	if aerr := d.Ack(false); aerr != nil {
		b.logger.Error("amqp ack failed", "queue", s.queue, "err", aerr)
	}
}

func (b *Bus) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.ch == nil || !usable(b.conn, b.ch) {
		return bus.ErrNotConnected
	}
	return nil
}

type closable interface {
	IsClosed() bool
}

// usable reports whether both the connection and the shared channel are open.
func usable(conn, ch closable) bool {
	return !conn.IsClosed() && !ch.IsClosed()
}

// Close tears down the connection and waits for consumer loops to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn, b.ch = nil, nil
	b.mu.Unlock()

	b.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	return err
}
