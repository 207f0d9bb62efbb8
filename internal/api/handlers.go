package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/session"
	"github.com/LeventeLantos/bulk-messaging/internal/store"
)

// Batcher is the slice of the session coordinator the API consumes.
type Batcher interface {
	Start(ctx context.Context, req session.BatchRequest) (int64, error)
	Cancel(sessionID int64) bool
	Running(sessionID int64) bool
}

// ReceiptApplier is the slice of the dispatch engine the API consumes.
type ReceiptApplier interface {
	ApplyReceipt(ctx context.Context, sessionID int64, messageID string, status model.Status) error
}

type Handler struct {
	batcher  Batcher
	receipts ReceiptApplier
	store    store.Store
}

func NewHandler(b Batcher, r ReceiptApplier, st store.Store) *Handler {
	return &Handler{batcher: b, receipts: r, store: st}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type startSessionRequest struct {
	Channel    string `json:"channel"`
	Template   string `json:"template"`
	Recipients []struct {
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
	} `json:"recipients"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	ch, err := model.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch := session.BatchRequest{
		Channel:    ch,
		Template:   req.Template,
		Recipients: make([]session.Recipient, 0, len(req.Recipients)),
	}
	for _, rcpt := range req.Recipients {
		batch.Recipients = append(batch.Recipients, session.Recipient{
			Address: rcpt.Recipient,
			Content: rcpt.Content,
		})
	}

	id, err := h.batcher.Start(r.Context(), batch)
	if errors.Is(err, session.ErrEmptyBatch) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"sessionId": id})
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": h.batcher.Cancel(id)})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, model.ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(sess, h.batcher.Running(id)))
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	sessions, err := h.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionJSON(sess, h.batcher.Running(sess.ID)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	msgs, err := h.store.ListMessages(r.Context(), id, limit, offset)
	if errors.Is(err, model.ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type receiptRequest struct {
	SessionID int64  `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ApplyReceipt ingests asynchronous delivery receipts from the channel
// provider. Duplicate and out-of-order receipts are accepted and ignored.
func (h *Handler) ApplyReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil || (status != model.Delivered && status != model.Read) {
		http.Error(w, "status must be delivered or read", http.StatusBadRequest)
		return
	}

	err = h.receipts.ApplyReceipt(r.Context(), req.SessionID, req.MessageID, status)
	switch {
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}
}

func sessionJSON(s model.Session, running bool) map[string]any {
	out := map[string]any{
		"id":                  s.ID,
		"channel":             string(s.Channel),
		"template_used":       s.TemplateUsed,
		"total_messages":      s.Total,
		"successful_messages": s.Successful,
		"failed_messages":     s.Failed,
		"pending_messages":    s.Pending,
		"cancelled_messages":  s.Cancelled,
		"success_rate":        s.SuccessRate,
		"started_at":          s.StartedAt.Format(time.RFC3339Nano),
		"running":             running,
	}
	if s.EndedAt != nil {
		out["ended_at"] = s.EndedAt.Format(time.RFC3339Nano)
	}
	return out
}

func messageJSON(m model.Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"recipient":  m.Recipient,
		"channel":    string(m.Channel),
		"status":     string(m.Status),
		"attempts":   m.Attempts,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": m.UpdatedAt.Format(time.RFC3339Nano),
	}
	if m.LastError != nil {
		out["last_error"] = *m.LastError
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
