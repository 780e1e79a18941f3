package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
)

type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

type Handler struct {
	stats  StatsSource
	logger *slog.Logger
}

func New(stats StatsSource, logger *slog.Logger) *Handler {
	return &Handler{stats: stats, logger: logger}
}

// OutboxStats reports row counts per status and the age of the backlog.
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := h.stats.Stats(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
