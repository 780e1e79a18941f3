package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// RateLimitStore keeps the per-key request timestamps (epoch ms).
// cache.Store and cache.Failover satisfy it.
type RateLimitStore interface {
	GetRateLimitData(ctx context.Context, key string) ([]int64, error)
	SetRateLimitData(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error
}

// SlidingWindowLimiter allows at most limit requests per key in any window.
// The read-modify-write is not atomic across instances, so concurrent
// bursts against a shared store may overshoot the limit slightly.
type SlidingWindowLimiter struct {
	store  RateLimitStore
	limit  int
	window time.Duration
	prefix  string
	trusted []netip.Prefix
	now     func() time.Time
}

func NewSlidingWindowLimiter(store RateLimitStore, limit int, window time.Duration, prefix string) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &SlidingWindowLimiter{store: store, limit: limit, window: window, prefix: prefix, now: time.Now}
}

// WithTrustedProxies makes the limiter key on X-Forwarded-For, but only for
// requests whose peer address is one of the given proxies.
func (rl *SlidingWindowLimiter) WithTrustedProxies(proxies []netip.Prefix) *SlidingWindowLimiter {
	rl.trusted = proxies
	return rl
}

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Allow records a hit for key and reports whether it is within the limit.
// When it is not, retryAfter is the time until the oldest hit leaves the window.
func (rl *SlidingWindowLimiter) Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error) {
	key = rl.prefix + ":" + key
	now := rl.now().UnixMilli()
	cutoff := now - rl.window.Milliseconds()

	hits, err := rl.store.GetRateLimitData(ctx, key)
	if err != nil {
		return false, 0, err
	}
	kept := make([]int64, 0, len(hits)+1)
	for _, ts := range hits {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.limit {
		wait := time.Duration(kept[0]-cutoff) * time.Millisecond
		return false, wait, nil
	}
	kept = append(kept, now)
	if err := rl.store.SetRateLimitData(ctx, key, kept, rl.window); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// Middleware limits by client address. With failOpen a store error lets the
// request through; otherwise it is answered with 503.
func (rl *SlidingWindowLimiter) Middleware(logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter, err := rl.Allow(r.Context(), clientKey(r, rl.trusted))
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter error", "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			if !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the peer address of r. When the peer is a trusted proxy it is
// the rightmost X-Forwarded-For entry that is not itself trusted; entries to
// the left of that are client-supplied and ignored.
func clientKey(r *http.Request, trusted []netip.Prefix) string {
	host := remoteHost(r)
	if len(trusted) == 0 || !isTrusted(host, trusted) {
		return host
	}
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i], trusted) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return host
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
