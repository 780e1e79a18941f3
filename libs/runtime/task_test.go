package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTaskStopWaitsForInFlightWork(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})

	task := StartTask(context.Background(), "slow", discardLogger(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := task.Stop(ctx); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the task finished")
	}
	// Stop is idempotent.
	if err := task.Stop(ctx); err != nil {
		t.Fatalf("second Stop returned %v", err)
	}
}

func TestTaskStopHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	task := StartTask(context.Background(), "stuck", discardLogger(), func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := task.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTaskErr(t *testing.T) {
	boom := errors.New("boom")
	task := StartTask(context.Background(), "failing", discardLogger(), func(context.Context) error {
		return boom
	})
	<-task.Done()
	if !errors.Is(task.Err(), boom) {
		t.Fatalf("expected boom, got %v", task.Err())
	}
}
