package kafkabus

import (
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/bus"
)

const (
	headerRoutingKey    = "routing_key"
	headerEventID       = "event_id"
	headerEventType     = "event_type"
	headerDLQReason     = "dlq.reason"
	headerDLQQueue      = "dlq.queue"
	headerDLQRoutingKey = "dlq.routing_key"
)

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// headerCarrier carries W3C trace context in Kafka record headers.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	return headerValue(*c.headers, key)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c headerCarrier) Set(key, value string) {
	hs := *c.headers
	for i := range hs {
		if hs[i].Key == key {
			hs[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(hs, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = headerCarrier{}

// routingKeyOf prefers the explicit header and falls back to the record key.
func routingKeyOf(msg kafka.Message) string {
	if rk := headerValue(msg.Headers, headerRoutingKey); rk != "" {
		return rk
	}
	return string(msg.Key)
}

// deadLetter copies msg onto the dead-letter topic of queue, recording why.
func deadLetter(queue string, msg kafka.Message, reason error) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	for _, h := range msg.Headers {
		switch h.Key {
		case headerDLQReason, headerDLQQueue, headerDLQRoutingKey:
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers,
		kafka.Header{Key: headerDLQReason, Value: []byte(reason.Error())},
		kafka.Header{Key: headerDLQQueue, Value: []byte(queue)},
		kafka.Header{Key: headerDLQRoutingKey, Value: []byte(routingKeyOf(msg))},
	)
	return kafka.Message{
		Topic:   bus.DeadLetterQueue(queue),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}
