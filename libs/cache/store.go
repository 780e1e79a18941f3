// Package cache stores replay keys and rate-limit windows.
//
// The primary backend is Redis so that every service instance sees the same
// keys. When Redis is unreachable, Failover serves from an in-process
// MemoryStore. While degraded, replay protection and rate limiting hold only
// within the current process: a second instance will not see keys written
// here, and keys written during the outage are not copied back to Redis.
// This is an accepted weakening, surfaced through logs and Failover.Degraded.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// Store is one backend strategy. AddIfAbsent must be atomic: of two
// concurrent calls with the same key, at most one may report true.
type Store interface {
	Has(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string, ttl time.Duration) error
	AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetRateLimitData(ctx context.Context, key string) ([]int64, error)
	SetRateLimitData(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
