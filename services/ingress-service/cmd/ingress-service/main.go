package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/cache"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/httpx"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/ingress"
	otelx "github.com/cetech1001/nlc-ai-test-sub013/libs/otel"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/runtime"
	"github.com/cetech1001/nlc-ai-test-sub013/services/ingress-service/internal/handlers"
)

func main() {
	_ = runtime.LoadDotEnv()

	service := config.String("SERVICE_NAME", "ingress-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	secret, err := config.RequiredString("INGRESS_SHARED_SECRET")
	if err != nil {
		panic(err)
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL, db.PoolConfig{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("OUTBOX_ENSURE_SCHEMA", false) {
		if err := outbox.EnsureSchema(ctx, pool); err != nil {
			logger.Error("outbox schema setup failed", "err", err)
			panic(err)
		}
	}

	rdb := cache.NewRedisClient(cache.RedisConfigFromEnv())
	defer func() { _ = rdb.Close() }()
	redisStore := cache.NewRedisStore(rdb, config.String("CACHE_PREFIX", service))
	if err := redisStore.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, cache calls will use the in-process fallback", "err", err)
	}

	memStore := cache.NewMemoryStore(config.Duration("CACHE_SWEEP_INTERVAL", time.Minute))
	sweeper := runtime.StartTask(ctx, "cache-sweeper", logger, memStore.Run)

	store := cache.NewFailover(redisStore, memStore, logger, cache.FailoverOptions{
		OpTimeout:        config.Duration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		FailureThreshold: uint32(config.Int("CACHE_BREAKER_FAILURES", 3)),
		OpenTimeout:      config.Duration("CACHE_BREAKER_OPEN", 10*time.Second),
	})

	guard := ingress.NewGuard(ingress.Config{
		Secret:       secret,
		ClockSkew:    config.Duration("INGRESS_CLOCK_SKEW", 5*time.Minute),
		ReplayTTL:    config.Duration("INGRESS_REPLAY_TTL", 10*time.Minute),
		MaxBodyBytes: int64(config.Int("INGRESS_MAX_BODY_BYTES", 1<<20)),
	}, store, logger)

	proxies, err := httpx.ParseTrustedProxies(config.List("INGRESS_TRUSTED_PROXIES", ""))
	if err != nil {
		logger.Error("invalid trusted proxy list", "err", err)
		panic(err)
	}
	limiter := httpx.NewSlidingWindowLimiter(store,
		config.Int("INGRESS_RATE_LIMIT", 120),
		config.Duration("INGRESS_RATE_WINDOW", time.Minute),
		"ingress",
	).WithTrustedProxies(proxies)

	h := handlers.New(pool, outbox.NewWriter(), logger)

	mux := runtime.NewBaseMuxWithReady(readyChecks(pool)...)
	mux.Handle("/internal/v1/events", httpx.Chain(http.HandlerFunc(h.SubmitEvent),
		httpx.WithTimeout(config.Duration("INGRESS_REQUEST_TIMEOUT", 10*time.Second)),
		limiter.Middleware(logger, config.Bool("INGRESS_RATE_LIMIT_FAIL_OPEN", true)),
		guard.Middleware(),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "ingress")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	_ = sweeper.Stop(shutdownCtx)
	logger.Info("http server stopped")
}

// readyChecks leaves Redis out: the cache fails over to memory, and its state
// is reported by the cache_fallback_active gauge instead.
func readyChecks(pool *db.Pool) []runtime.ReadyCheck {
	return []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
}
