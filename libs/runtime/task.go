package runtime

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a named background loop with its own cancellation. Stop cancels
// the loop and blocks until the in-flight iteration has returned.
type Task struct {
	name   string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// StartTask runs fn on a new goroutine with a context derived from parent.
func StartTask(parent context.Context, name string, logger *slog.Logger, fn func(context.Context) error) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		name:   name,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger.Info("starting task", "task", name)
	go func() {
		defer close(t.done)
		t.err = fn(ctx)
		if t.err != nil && ctx.Err() == nil {
			logger.Error("task stopped with error", "task", name, "err", t.err)
			return
		}
		logger.Info("task stopped", "task", name)
	}()
	return t
}

// Stop cancels the task and waits for it, or for ctx to expire.
func (t *Task) Stop(ctx context.Context) error {
	t.once.Do(func() {
		t.logger.Info("stopping task", "task", t.name)
		t.cancel()
	})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err reports the task's return value. Only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}
