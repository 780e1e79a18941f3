package bus

import (
	"context"
	"errors"
	"fmt"
)

// Invoke runs h, converting a panic into an error so one poison message
// cannot take the consumer down.
func Invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg)
}

// Recorder remembers processed event ids. Record returns false when the id
// was already recorded; Forget releases an id whose handler failed.
type Recorder interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Deduplicate skips deliveries whose event id was already processed. The id
// is claimed before h runs and released again when h fails, so a redelivery
// or a dead-letter redrive runs h again. A crash between Record and the ack
// still leaves the id claimed; use inbox.Handler when the handler's side
// effects live in the same database as the recorder.
func Deduplicate(rec Recorder, h Handler, onDuplicate func(Message)) Handler {
	return func(ctx context.Context, msg Message) error {
		id := msg.Event.EventID
		if id == "" {
			id = msg.MessageID
		}
		fresh, err := rec.Record(ctx, id, msg.Event.EventType)
		if err != nil {
			return fmt.Errorf("record event %s: %w", id, err)
		}
		if !fresh {
			if onDuplicate != nil {
				onDuplicate(msg)
			}
			return nil
		}
		herr := Invoke(ctx, h, msg)
		if herr == nil {
			return nil
		}
		if ferr := rec.Forget(context.WithoutCancel(ctx), id); ferr != nil {
			return errors.Join(herr, fmt.Errorf("forget event %s: %w", id, ferr))
		}
		return herr
	}
}
