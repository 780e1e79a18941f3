package bus

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrClosed       = errors.New("bus: closed")
	// ErrNacked means the broker explicitly refused the message.
	ErrNacked = errors.New("bus: publish not confirmed by broker")
)

// ConnectionError means the broker could not be reached. Fatal at startup,
// retried with backoff at runtime.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bus: connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError means the broker rejected or never confirmed a message. The
// caller owns the retry.
type PublishError struct {
	RoutingKey string
	EventID    string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bus: publish %s (event %s): %v", e.RoutingKey, e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// HandlerError wraps a consumer failure; the delivery is dead-lettered.
type HandlerError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("bus: handler for %s failed on %s: %v", e.Queue, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
