// Package ingress authenticates calls from trusted external systems: a
// shared token, a fresh timestamp, an HMAC over the request and a one-time
// use check of that HMAC.
package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/httpx"
)

// ReplayCache is satisfied by cache.Store and cache.Failover.
type ReplayCache interface {
	AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Config struct {
	Secret    string
	ClockSkew time.Duration
	ReplayTTL time.Duration
	// CacheTimeout bounds the replay check so a slow cache cannot hold the
	// request past its deadline.
	CacheTimeout time.Duration
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.ClockSkew <= 0 {
		c.ClockSkew = 5 * time.Minute
	}
	if c.ReplayTTL <= 0 {
		c.ReplayTTL = 10 * time.Minute
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

type Guard struct {
	cfg    Config
	cache  ReplayCache
	logger *slog.Logger
	now    func() time.Time
}

func NewGuard(cfg Config, cache ReplayCache, logger *slog.Logger) *Guard {
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	return &Guard{
		cfg:    cfg.withDefaults(),
		cache:  cache,
		logger: logger.With("component", "ingress_guard"),
		now:    time.Now,
	}
}

// Verify runs the checks in order and stops at the first failure. Any
// returned error is an *AuthError matching ErrUnauthorized.
func (g *Guard) Verify(ctx context.Context, method, path string, body []byte, h http.Header) error {
	secret := g.cfg.Secret
	if secret == "" {
		return reject(ReasonSecretNotConfigured)
	}

	token := h.Get(HeaderToken)
	if token == "" {
		return reject(ReasonMissingToken)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return reject(ReasonInvalidToken)
	}

	ts := strings.TrimSpace(h.Get(HeaderTimestamp))
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return reject(ReasonStaleTimestamp)
	}
	if skew := g.now().Sub(time.UnixMilli(ms)); skew > g.cfg.ClockSkew || skew < -g.cfg.ClockSkew {
		return reject(ReasonStaleTimestamp)
	}

	sig := strings.ToLower(strings.TrimSpace(h.Get(HeaderSignature)))
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return reject(ReasonInvalidSignature)
	}
	want, _ := hex.DecodeString(Sign(secret, method, path, body, ts))
	if !hmac.Equal(got, want) {
		return reject(ReasonInvalidSignature)
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CacheTimeout)
	defer cancel()
	added, err := g.cache.AddIfAbsent(cctx, "replay:"+sig, g.cfg.ReplayTTL)
	if err != nil {
		return &AuthError{Reason: ReasonReplayCheckUnavailable, Err: err}
	}
	if !added {
		return reject(ReasonReplayDetected)
	}
	return nil
}

// Middleware guards next. The body is read once, capped at MaxBodyBytes,
// and restored for next. Every rejection gets the same 401 response.
func (g *Guard) Middleware() httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if int64(len(body)) > g.cfg.MaxBodyBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}

			if err := g.Verify(r.Context(), r.Method, r.URL.RequestURI(), body, r.Header); err != nil {
				g.log(r, err)
				Unauthorized(w)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) log(r *http.Request, err error) {
	attrs := []any{
		"reason", string(ReasonOf(err)),
		"request_id", httpx.RequestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	}
	var ae *AuthError
	if errors.As(err, &ae) && ae.Err != nil {
		attrs = append(attrs, "err", ae.Err)
		g.logger.Error("ingress request rejected", attrs...)
		return
	}
	g.logger.Warn("ingress request rejected", attrs...)
}

// Unauthorized writes the uniform rejection body.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
