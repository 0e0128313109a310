package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/storage"
	"github.com/KasGate/server/pkg/responders"
)

// listWebhookLogs pages the merchant's delivery log, newest first.
func (h handlers) listWebhookLogs(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())

	limit, offset := paging(r, 20, 100)
	event := r.URL.Query().Get("event")

	deliveries, total, err := h.store.ListDeliveries(r.Context(), m.ID, event, limit, offset)
	if err != nil {
		h.writeInternal(w, r, err)
		return
	}

	logs := make([]map[string]any, len(deliveries))
	for i, d := range deliveries {
		logs[i] = deliveryView(d)
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// retryWebhookLog requeues an undelivered delivery for the retry worker.
// Returns 202 once scheduled; rows belonging to other merchants read as 404.
func (h handlers) retryWebhookLog(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())
	id := chi.URLParam(r, "id")

	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil || d.MerchantID != m.ID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeInternal(w, r, err)
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDeliveryNotFound, "delivery not found")
		return
	}

	if err := h.dispatcher.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeDeliveryNotFound, "delivery already completed")
			return
		}
		h.writeInternal(w, r, err)
		return
	}
	responders.JSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "requeued",
	})
}

func deliveryView(d storage.WebhookDelivery) map[string]any {
	view := map[string]any{
		"id":         d.ID,
		"sessionId":  d.SessionID,
		"event":      d.Event,
		"deliveryId": d.DeliveryID,
		"attempts":   d.Attempts,
		"createdAt":  d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.LastStatusCode != nil {
		view["lastStatusCode"] = *d.LastStatusCode
	}
	if d.LastResponseSnippet != "" {
		view["lastResponseSnippet"] = d.LastResponseSnippet
	}
	if d.NextRetryAt != nil {
		view["nextRetryAt"] = formatTimePtr(d.NextRetryAt)
	}
	if d.DeliveredAt != nil {
		view["deliveredAt"] = formatTimePtr(d.DeliveredAt)
	}
	view["payload"] = json.RawMessage(d.Payload)
	return view
}
