package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/busdriver"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/httpx"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/inbox"
	otelx "github.com/cetech1001/nlc-ai-test-sub013/libs/otel"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/runtime"
	"github.com/cetech1001/nlc-ai-test-sub013/services/event-consumer/internal/consumer"
)

func main() {
	_ = runtime.LoadDotEnv()

	service := config.String("SERVICE_NAME", "event-consumer")
	port, err := config.Port("PORT", "8082")
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
	pool, err := db.Open(ctx, dbURL, db.PoolConfig{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("OUTBOX_ENSURE_SCHEMA", false) {
		if err := outbox.EnsureSchema(ctx, pool); err != nil {
			logger.Error("schema setup failed", "err", err)
			panic(err)
		}
	}

	busCfg := busdriver.ConfigFromEnv(service)
	bindings, err := bus.ParseBindings(
		config.String("CONSUMER_BINDINGS", "event-consumer.audit=#"),
		bus.ExchangeName(busCfg.WithDefaults().Namespace),
	)
	if err != nil {
		panic(err)
	}

	eventBus, err := busdriver.Open(busCfg, logger)
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

	if err := consumer.SubscribeAll(ctx, eventBus, bindings, inbox.Handler(pool, consumer.LogHandler(logger), consumer.OnDuplicate(logger))); err != nil {
		logger.Error("subscribe failed", "err", err)
		panic(err)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "bus", Check: eventBus.Ready},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "event-consumer")
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
	logger.Info("http server stopped")
}
