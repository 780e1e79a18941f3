// Package busdriver selects the bus implementation named by configuration.
package busdriver

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus/amqpbus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus/kafkabus"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
)

const (
	AMQP  = "amqp"
	Kafka = "kafka"
)

// Open builds, but does not connect, the driver named by cfg.Driver.
func Open(cfg bus.Config, logger *slog.Logger) (bus.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", AMQP, "rabbitmq":
		if cfg.URL == "" {
			return nil, fmt.Errorf("bus driver %s: AMQP_URL is required", AMQP)
		}
		return amqpbus.New(cfg, logger), nil
	case Kafka:
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("bus driver %s: KAFKA_BROKERS is required", Kafka)
		}
		return kafkabus.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// ConfigFromEnv reads the BUS_* settings shared by every service.
func ConfigFromEnv(service string) bus.Config {
	return bus.Config{
		Driver:    config.String("BUS_DRIVER", AMQP),
		URL:       config.String("AMQP_URL", ""),
		Brokers:   config.List("KAFKA_BROKERS", ""),
		Namespace: config.String("BUS_NAMESPACE", "app"),
		Producer:  service,
		Source:    config.String("BUS_SOURCE", service),
		ConnectRetry: bus.RetryPolicy{
			Initial:    config.Duration("BUS_CONNECT_BACKOFF_INITIAL", 500*time.Millisecond),
			Max:        config.Duration("BUS_CONNECT_BACKOFF_MAX", 10*time.Second),
			MaxElapsed: config.Duration("BUS_CONNECT_TIMEOUT", time.Minute),
		},
		ReconnectRetry: bus.RetryPolicy{
			Initial: config.Duration("BUS_RECONNECT_BACKOFF_INITIAL", time.Second),
			Max:     config.Duration("BUS_RECONNECT_BACKOFF_MAX", 30*time.Second),
		},
		PublishTimeout:    config.Duration("BUS_PUBLISH_TIMEOUT", 5*time.Second),
		Prefetch:          config.Int("BUS_PREFETCH", 20),
		Partitions:        config.Int("KAFKA_PARTITIONS", 3),
		ReplicationFactor: config.Int("KAFKA_REPLICATION_FACTOR", 1),
	}
}
