package httpserver

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/internal/money"
	"github.com/KasGate/server/internal/session"
	"github.com/KasGate/server/internal/storage"
	"github.com/KasGate/server/pkg/responders"
)

type createSessionRequest struct {
	Amount      string            `json:"amount"`
	OrderID     string            `json:"orderId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
}

// createSession opens a payment session for the authenticated merchant. The
// subscription token appears in this response only.
func (h handlers) createSession(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())

	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.sessions.Create(r.Context(), m, session.CreateParams{
		AmountKAS:   req.Amount,
		OrderID:     req.OrderID,
		Metadata:    req.Metadata,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeSessionNotFound)
		return
	}

	amountKAS := kasAmount(sess.AmountSompi)
	resp := map[string]any{
		"id":                sess.ID,
		"address":           sess.Address,
		"amount":            amountKAS,
		"amountSompi":       sess.AmountSompi,
		"status":            sess.Status,
		"qrCode":            h.qrCodeDataURI(r, sess.Address, amountKAS),
		"subscriptionToken": sess.SubscriptionToken,
		"expiresAt":         sess.ExpiresAt.UTC().Format(time.RFC3339),
		"explorerUrl":       h.params.ExplorerAddressURL(sess.Address),
	}
	if sess.OrderID != "" {
		resp["orderId"] = sess.OrderID
	}
	responders.JSON(w, http.StatusCreated, resp)
}

// qrCodeDataURI renders the payment URI as a PNG data URI for the checkout
// page. QR failure degrades to an empty string rather than failing creation.
func (h handlers) qrCodeDataURI(r *http.Request, address, amountKAS string) string {
	png, err := qrcode.Encode(h.params.PaymentURI(address, amountKAS), qrcode.Medium, 256)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("qr code generation failed")
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// getSession returns the public session view. The subscription token is
// never included.
func (h handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeSessionNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, h.sessionView(sess))
}

// sessionStatus is the lightweight polling endpoint for payment pages.
func (h handlers) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeSessionNotFound)
		return
	}
	resp := map[string]any{
		"id":                    sess.ID,
		"status":                sess.Status,
		"confirmations":         sess.Confirmations,
		"requiredConfirmations": h.sessions.RequiredConfirmations(),
	}
	if sess.TxID != "" {
		resp["txId"] = sess.TxID
	}
	responders.JSON(w, http.StatusOK, resp)
}

// cancelSession expires a pending session, owner only.
func (h handlers) cancelSession(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())
	id := chi.URLParam(r, "id")

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeSessionNotFound)
		return
	}
	if sess.MerchantID != m.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotOwner, "session belongs to another merchant")
		return
	}

	cancelled, err := h.sessions.Cancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeSessionNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"id":     cancelled.ID,
		"status": cancelled.Status,
	})
}

// listSessions pages the merchant's sessions, optionally by status.
func (h handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())

	status := storage.SessionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "unknown status filter")
		return
	}
	limit, offset := paging(r, 20, 100)

	sessions, total, err := h.sessions.List(r.Context(), m.ID, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}

	views := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		views[i] = h.sessionView(sess)
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// merchantAnalytics returns the dashboard aggregate with period-over-period
// deltas.
func (h handlers) merchantAnalytics(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())

	params := session.AnalyticsParams{Period: r.URL.Query().Get("period")}
	if v := r.URL.Query().Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "startDate must be RFC 3339")
			return
		}
		params.StartDate = &t
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "endDate must be RFC 3339")
			return
		}
		params.EndDate = &t
	}

	analytics, err := h.sessions.Analytics(r.Context(), m.ID, params)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRange) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, err.Error())
			return
		}
		h.writeInternal(w, r, err)
		return
	}

	top := make([]map[string]any, len(analytics.TopPayments))
	for i, tp := range analytics.TopPayments {
		top[i] = map[string]any{
			"sessionId":   tp.SessionID,
			"amountSompi": tp.AmountSompi,
			"amount":      kasAmount(tp.AmountSompi),
			"orderId":     emptyToNil(tp.OrderID),
			"confirmedAt": formatTimePtr(tp.ConfirmedAt),
		}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"period":    analytics.Period,
		"startDate": analytics.StartDate.Format(time.RFC3339),
		"endDate":   analytics.EndDate.Format(time.RFC3339),
		"current": map[string]any{
			"sessions":             analytics.Sessions,
			"confirmedVolumeSompi": analytics.ConfirmedVolumeSompi,
		},
		"previous": map[string]any{
			"sessions":             analytics.PreviousSessions,
			"confirmedVolumeSompi": analytics.PreviousConfirmedVolumeSompi,
		},
		"change": map[string]any{
			"sessionsPct": analytics.SessionsChangePct,
			"volumePct":   analytics.VolumeChangePct,
		},
		"statusDistribution": analytics.StatusDistribution,
		"daily":              analytics.Daily,
		"topPayments":        top,
	})
}

// sessionView is the full session representation shared by list and get.
func (h handlers) sessionView(sess storage.Session) map[string]any {
	view := map[string]any{
		"id":                    sess.ID,
		"merchantId":            sess.MerchantID,
		"address":               sess.Address,
		"amount":                kasAmount(sess.AmountSompi),
		"amountSompi":           sess.AmountSompi,
		"status":                sess.Status,
		"confirmations":         sess.Confirmations,
		"requiredConfirmations": h.sessions.RequiredConfirmations(),
		"createdAt":             sess.CreatedAt.UTC().Format(time.RFC3339),
		"expiresAt":             sess.ExpiresAt.UTC().Format(time.RFC3339),
		"explorerUrl":           h.params.ExplorerAddressURL(sess.Address),
	}
	if sess.TxID != "" {
		view["txId"] = sess.TxID
	}
	if sess.OrderID != "" {
		view["orderId"] = sess.OrderID
	}
	if len(sess.Metadata) > 0 {
		view["metadata"] = sess.Metadata
	}
	if sess.RedirectURL != "" {
		view["redirectUrl"] = sess.RedirectURL
	}
	if sess.PaidAt != nil {
		view["paidAt"] = formatTimePtr(sess.PaidAt)
	}
	if sess.ConfirmedAt != nil {
		view["confirmedAt"] = formatTimePtr(sess.ConfirmedAt)
	}
	return view
}

// kasAmount renders a stored sompi string in KAS, tolerating malformed rows.
func kasAmount(sompi string) string {
	v, err := money.ParseSompi(sompi)
	if err != nil {
		return ""
	}
	return money.SompiToKAS(v)
}
