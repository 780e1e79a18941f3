package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
)

type fakeStats struct {
	s   outbox.Stats
	err error
}

func (f fakeStats) Stats(context.Context) (outbox.Stats, error) { return f.s, f.err }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOutboxStats(t *testing.T) {
	oldest := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := New(fakeStats{s: outbox.Stats{Pending: 3, Published: 10, Failed: 1, OldestPendingAt: &oldest}}, testLogger())

	rec := httptest.NewRecorder()
	h.OutboxStats(rec, httptest.NewRequest(http.MethodGet, "/outbox/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got outbox.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Pending != 3 || got.Published != 10 || got.Failed != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}
	if got.OldestPendingAt == nil || !got.OldestPendingAt.Equal(oldest) {
		t.Fatalf("unexpected oldest pending %v", got.OldestPendingAt)
	}
}

func TestOutboxStatsErrors(t *testing.T) {
	h := New(fakeStats{err: errors.New("db down")}, testLogger())

	rec := httptest.NewRecorder()
	h.OutboxStats(rec, httptest.NewRequest(http.MethodGet, "/outbox/stats", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.OutboxStats(rec, httptest.NewRequest(http.MethodPost, "/outbox/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
