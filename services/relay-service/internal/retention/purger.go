// Package retention deletes settled outbox rows once they age out.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
)

type Purger interface {
	Purge(ctx context.Context, status outbox.Status, olderThan time.Time) (int64, error)
}

type Config struct {
	Interval time.Duration
	// Published and Failed are the retention windows per terminal status.
	// Zero keeps rows of that status forever.
	Published time.Duration
	Failed    time.Duration
}

type Worker struct {
	repo   Purger
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func NewWorker(repo Purger, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Worker{repo: repo, logger: logger, cfg: cfg, now: time.Now}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce purges each terminal status that has a retention window and
// returns the number of rows removed.
func (w *Worker) RunOnce(ctx context.Context) int64 {
	var total int64
	for _, p := range []struct {
		status outbox.Status
		keep   time.Duration
	}{
		{outbox.StatusPublished, w.cfg.Published},
		{outbox.StatusFailed, w.cfg.Failed},
	} {
		if p.keep <= 0 {
			continue
		}
		n, err := w.repo.Purge(ctx, p.status, w.now().Add(-p.keep))
		if err != nil {
			w.logger.Error("outbox purge failed", "status", string(p.status), "err", err)
			continue
		}
		if n > 0 {
			w.logger.Info("outbox rows purged", "status", string(p.status), "count", n)
		}
		total += n
	}
	return total
}
