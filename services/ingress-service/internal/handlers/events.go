package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/httpx"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
)

type Handler struct {
	db     db.Beginner
	writer *outbox.Writer
	logger *slog.Logger
}

func New(database db.Beginner, writer *outbox.Writer, logger *slog.Logger) *Handler {
	return &Handler{db: database, writer: writer, logger: logger}
}

type submitEventRequest struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
}

// SubmitEvent accepts an event from a trusted caller and stores it in the
// outbox. Publication happens later in the relay.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	var eventID string
	err := db.WithTx(r.Context(), h.db, func(tx pgx.Tx) error {
		var err error
		eventID, err = h.writer.Write(r.Context(), tx, outbox.Event{
			EventID:       strings.TrimSpace(req.EventID),
			AggregateType: strings.TrimSpace(req.AggregateType),
			AggregateID:   strings.TrimSpace(req.AggregateID),
			EventType:     strings.TrimSpace(req.EventType),
			SchemaVersion: req.SchemaVersion,
			Payload:       req.Payload,
		})
		return err
	})
	switch {
	case errors.Is(err, outbox.ErrInvalidEvent):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	case db.IsUniqueViolation(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "event already submitted"})
		return
	case err != nil:
		h.logger.Error("outbox write failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"event_type", req.EventType,
			"err", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store event"})
		return
	}

	h.logger.Info("event accepted",
		"request_id", httpx.RequestIDFromContext(r.Context()),
		"event_id", eventID,
		"event_type", req.EventType,
		"aggregate_type", req.AggregateType,
		"aggregate_id", req.AggregateID,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID, "status": string(outbox.StatusPending)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
