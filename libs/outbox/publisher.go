package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/events"
	otelx "github.com/cetech1001/nlc-ai-test-sub013/libs/otel"
)

// BusPublisher is the part of bus.Bus the relay needs.
type BusPublisher interface {
	Publish(ctx context.Context, routingKey string, evt events.Event) error
}

type PublisherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PublishTimeout time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

type Publisher struct {
	store   Store
	bus     BusPublisher
	logger  *slog.Logger
	cfg     PublisherConfig
	alerter Alerter
	tracer  trace.Tracer
	now     func() time.Time

	published metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
}

type PublisherOption func(*Publisher)

func WithAlerter(a Alerter) PublisherOption {
	return func(p *Publisher) { p.alerter = a }
}

func WithMeterProvider(mp metric.MeterProvider) PublisherOption {
	return func(p *Publisher) { p.initMetrics(mp) }
}

func NewPublisher(store Store, b BusPublisher, logger *slog.Logger, cfg PublisherConfig, opts ...PublisherOption) *Publisher {
	logger = logger.With("component", "outbox_publisher")
	p := &Publisher{
		store:   store,
		bus:     b,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		alerter: LogAlerter{Logger: logger},
		tracer:  otel.Tracer("outbox"),
		now:     time.Now,
	}
	p.initMetrics(otel.GetMeterProvider())
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter("outbox")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			p.logger.Warn("outbox metric unavailable", "metric", name, "err", err)
		}
		return c
	}
	p.published = counter("outbox_records_published_total", "Outbox records confirmed by the broker.")
	p.retried = counter("outbox_records_retried_total", "Outbox publish attempts that failed and were rescheduled.")
	p.failed = counter("outbox_records_failed_total", "Outbox records marked FAILED after exhausting attempts.")
}

// Run polls until ctx is done. Cancelling ctx lets the publish in flight
// finish (bounded by PublishTimeout), commits the rows already marked and
// leaves the rest of the batch PENDING for the next relay.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher started",
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize,
		"max_attempts", p.cfg.MaxAttempts,
	)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// drain keeps claiming while batches come back full. Database work runs on a
// detached context so a batch interrupted by ctx still commits.
func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.publishBatch(ctx, context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Error("outbox publish batch failed", "err", err)
			return
		}
		if n < p.cfg.BatchSize {
			return
		}
	}
}

// PublishBatch claims up to BatchSize due rows in one transaction, publishes
// them and records each outcome before committing. It returns the number of
// rows claimed.
func (p *Publisher) PublishBatch(ctx context.Context) (n int, err error) {
	return p.publishBatch(ctx, ctx)
}

// publishBatch stops between records once stop is done. Rows it did not get
// to are released unchanged when the transaction commits.
func (p *Publisher) publishBatch(stop, ctx context.Context) (n int, err error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	records, err := tx.Claim(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i, rec := range records {
		if stop.Err() != nil {
			p.logger.Info("outbox batch interrupted, leaving rows pending",
				"handled", i,
				"left", len(records)-i,
			)
			break
		}
		if err := p.publishOne(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit claim: %w", err)
	}
	committed = true
	return len(records), nil
}

func (p *Publisher) publishOne(ctx context.Context, tx Tx, rec Record) error {
	msgCtx := otelx.TraceContext{Traceparent: rec.Traceparent, Tracestate: rec.Tracestate}.Context(ctx)
	msgCtx, span := p.tracer.Start(msgCtx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", rec.EventID),
			attribute.String("event.type", rec.EventType),
			attribute.Int("outbox.attempt", rec.Attempts+1),
		),
	)
	defer span.End()

	pubCtx, cancel := bus.PublishContext(msgCtx, p.cfg.PublishTimeout)
	pubErr := p.bus.Publish(pubCtx, rec.EventType, rec.DomainEvent())
	cancel()

	attrs := metric.WithAttributes(attribute.String("event_type", rec.EventType))
	if pubErr == nil {
		if err := tx.MarkPublished(ctx, rec.ID, p.now().UTC()); err != nil {
			return fmt.Errorf("mark %s published: %w", rec.EventID, err)
		}
		p.add(ctx, p.published, attrs)
		p.logger.Debug("outbox event published", "event_id", rec.EventID, "event_type", rec.EventType)
		return nil
	}

	span.RecordError(pubErr)
	span.SetStatus(codes.Error, "publish failed")
	attempts := rec.Attempts + 1
	lastErr := pubErr.Error()

	if attempts >= p.cfg.MaxAttempts {
		if err := tx.MarkFailed(ctx, rec.ID, attempts, lastErr); err != nil {
			return fmt.Errorf("mark %s failed: %w", rec.EventID, err)
		}
		p.add(ctx, p.failed, attrs)
		rec.Attempts = attempts
		rec.Status = StatusFailed
		rec.LastError = lastErr
		p.alerter.OutboxRecordFailed(ctx, rec, pubErr)
		return nil
	}

	next := p.now().Add(p.retryDelay(attempts)).UTC()
	if err := tx.MarkRetry(ctx, rec.ID, attempts, next, lastErr); err != nil {
		return fmt.Errorf("mark %s for retry: %w", rec.EventID, err)
	}
	p.add(ctx, p.retried, attrs)
	p.logger.Warn("outbox publish failed, will retry",
		"event_id", rec.EventID,
		"event_type", rec.EventType,
		"attempt", attempts,
		"next_attempt_at", next,
		"err", pubErr,
	)
	return nil
}

func (p *Publisher) add(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opts...)
	}
}

// retryDelay is the wait after the given number of failed attempts:
// BackoffInitial doubled per attempt and capped at BackoffMax.
func (p *Publisher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.MaxInterval = p.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
