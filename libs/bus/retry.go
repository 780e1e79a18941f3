package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes a jittered exponential backoff. MaxElapsed == 0
// retries until the context is cancelled.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

func (p RetryPolicy) withDefaults(maxElapsed time.Duration) RetryPolicy {
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.MaxElapsed < 0 {
		p.MaxElapsed = 0
	} else if p.MaxElapsed == 0 {
		p.MaxElapsed = maxElapsed
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = p.MaxElapsed
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, the policy gives up or ctx is done.
// Errors wrapped with backoff.Permanent stop immediately.
func Retry(ctx context.Context, p RetryPolicy, logger *slog.Logger, what string, op func(context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		p.backOff(ctx),
		func(err error, next time.Duration) {
			logger.Warn(what+" failed, retrying",
				"attempt", attempt,
				"retry_in", next.String(),
				"err", err,
			)
		},
	)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
