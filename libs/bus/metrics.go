package bus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce  sync.Once
	deadLettered metric.Int64Counter
)

// RecordDeadLetter counts a delivery rejected to the dead-letter queue. The
// instrument comes from the global meter provider, so it reports once
// otelx.Setup has installed one.
func RecordDeadLetter(ctx context.Context, driver, queue string) {
	metricsOnce.Do(func() {
		deadLettered, _ = otel.Meter("bus").Int64Counter("bus_messages_dead_lettered_total",
			metric.WithDescription("Deliveries rejected to a dead-letter queue."))
	})
	if deadLettered == nil {
		return
	}
	deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.system", driver),
		attribute.String("messaging.destination", queue),
	))
}
