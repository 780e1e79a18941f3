package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/busdriver"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/httpx"
	otelx "github.com/cetech1001/nlc-ai-test-sub013/libs/otel"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/runtime"
	"github.com/cetech1001/nlc-ai-test-sub013/services/relay-service/internal/handlers"
	"github.com/cetech1001/nlc-ai-test-sub013/services/relay-service/internal/retention"
)

func main() {
	_ = runtime.LoadDotEnv()

	service := config.String("SERVICE_NAME", "relay-service")
	port, err := config.Port("PORT", "8081")
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

	eventBus, err := busdriver.Open(busdriver.ConfigFromEnv(service), logger)
	if err != nil {
		panic(err)
	}
	if err := eventBus.Connect(ctx); err != nil {
		logger.Error("bus connection failed", "err", err)
		panic(err)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("bus close failed", "err", err)
		}
	}()

	repo := outbox.NewRepository(pool)
	publisher := outbox.NewPublisher(repo, eventBus, logger, outbox.PublisherConfig{
		PollInterval:   config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize:      config.Int("OUTBOX_BATCH_SIZE", 50),
		MaxAttempts:    config.Int("OUTBOX_MAX_ATTEMPTS", 5),
		BackoffInitial: config.Duration("OUTBOX_BACKOFF_INITIAL", time.Second),
		BackoffMax:     config.Duration("OUTBOX_BACKOFF_MAX", 5*time.Minute),
		PublishTimeout: config.Duration("OUTBOX_PUBLISH_TIMEOUT", 5*time.Second),
	}, outbox.WithAlerter(outbox.LogAlerter{Logger: logger}))
	relay := runtime.StartTask(ctx, "outbox-publisher", logger, publisher.Run)

	purger := retention.NewWorker(repo, logger, retention.Config{
		Interval:  config.Duration("OUTBOX_RETENTION_INTERVAL", time.Hour),
		Published: config.Duration("OUTBOX_RETENTION_PUBLISHED", 7*24*time.Hour),
		Failed:    config.Duration("OUTBOX_RETENTION_FAILED", 30*24*time.Hour),
	})
	retentionTask := runtime.StartTask(ctx, "outbox-retention", logger, purger.Run)

	h := handlers.New(repo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "bus", Check: eventBus.Ready},
	)
	mux.HandleFunc("/outbox/stats", h.OutboxStats)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "relay")
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
	if err := relay.Stop(shutdownCtx); err != nil {
		logger.Error("outbox publisher did not stop in time", "err", err)
	}
	_ = retentionTask.Stop(shutdownCtx)
	logger.Info("http server stopped")
}
