package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type FailoverOptions struct {
	// OpTimeout bounds each call to the primary.
	OpTimeout time.Duration
	// FailureThreshold is the number of consecutive primary failures that
	// opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before retrying.
	OpenTimeout time.Duration
	// MeterProvider receives the cache_fallback_active gauge. Nil uses the
	// global provider.
	MeterProvider metric.MeterProvider
}

// Failover routes calls to the primary store through a circuit breaker and
// falls back to the secondary store when the primary errors or the breaker
// is open.
type Failover struct {
	primary   Store
	fallback  Store
	cb        *gobreaker.CircuitBreaker
	logger    *slog.Logger
	opTimeout time.Duration
	degraded  atomic.Bool
}

func NewFailover(primary, fallback Store, logger *slog.Logger, opts FailoverOptions) *Failover {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	f := &Failover{
		primary:   primary,
		fallback:  fallback,
		logger:    logger.With("component", "cache"),
		opTimeout: opts.OpTimeout,
	}
	f.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-primary",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidTTL)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("cache circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	f.registerGauge(opts.MeterProvider)
	return f
}

// registerGauge exports 1 while calls are served by the fallback store, so an
// outage of the primary is visible without failing readiness.
func (f *Failover) registerGauge(mp metric.MeterProvider) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	_, err := mp.Meter("cache").Int64ObservableGauge("cache_fallback_active",
		metric.WithDescription("1 while the in-process fallback store serves cache calls."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if f.degraded.Load() {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
	if err != nil {
		f.logger.Warn("cache fallback gauge unavailable", "err", err)
	}
}

// Degraded reports whether the last call was served by the fallback store.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}

func (f *Failover) Has(ctx context.Context, key string) (bool, error) {
	return failover(ctx, f, "has",
		func(ctx context.Context) (bool, error) { return f.primary.Has(ctx, key) },
		func() (bool, error) { return f.fallback.Has(ctx, key) },
	)
}

func (f *Failover) Add(ctx context.Context, key string, ttl time.Duration) error {
	_, err := failover(ctx, f, "add",
		func(ctx context.Context) (struct{}, error) { return struct{}{}, f.primary.Add(ctx, key, ttl) },
		func() (struct{}, error) { return struct{}{}, f.fallback.Add(ctx, key, ttl) },
	)
	return err
}

func (f *Failover) AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	added, err := failover(ctx, f, "add_if_absent",
		func(ctx context.Context) (bool, error) { return f.primary.AddIfAbsent(ctx, key, ttl) },
		func() (bool, error) { return f.fallback.AddIfAbsent(ctx, key, ttl) },
	)
	if err != nil || !added || f.degraded.Load() {
		return added, err
	}
	// Keys recorded locally during an outage still count after recovery.
	seen, ferr := f.fallback.Has(ctx, key)
	if ferr == nil && seen {
		return false, nil
	}
	return true, nil
}

func (f *Failover) GetRateLimitData(ctx context.Context, key string) ([]int64, error) {
	return failover(ctx, f, "get_rate_limit",
		func(ctx context.Context) ([]int64, error) { return f.primary.GetRateLimitData(ctx, key) },
		func() ([]int64, error) { return f.fallback.GetRateLimitData(ctx, key) },
	)
}

func (f *Failover) SetRateLimitData(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	_, err := failover(ctx, f, "set_rate_limit",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, f.primary.SetRateLimitData(ctx, key, timestamps, ttl)
		},
		func() (struct{}, error) { return struct{}{}, f.fallback.SetRateLimitData(ctx, key, timestamps, ttl) },
	)
	return err
}

func failover[T any](ctx context.Context, f *Failover, op string, primary func(context.Context) (T, error), fallback func() (T, error)) (T, error) {
	res, err := f.cb.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		defer cancel()
		return primary(opCtx)
	})
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("cache primary recovered")
		}
		return res.(T), nil
	}
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if errors.Is(err, ErrInvalidTTL) {
		return zero, err
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("cache primary unavailable, serving from in-process fallback; replay protection is per-process until recovery",
			"op", op,
			"err", err,
		)
	}
	return fallback()
}
