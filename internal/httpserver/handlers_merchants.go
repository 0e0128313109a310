package httpserver

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/sanitize"
	"github.com/KasGate/server/pkg/responders"
)

type createMerchantRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	XPub       string `json:"xpub"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// createMerchant registers a merchant. The API key and webhook secret appear
// in this response only.
func (h handlers) createMerchant(w http.ResponseWriter, r *http.Request) {
	var req createMerchantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name := sanitize.String(req.Name)
	if name == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "name is required")
		return
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "invalid email address")
			return
		}
	}
	if err := kaspa.ValidateXPub(req.XPub); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidXPub, "invalid extended public key")
		return
	}
	if req.WebhookURL != "" {
		if err := validateWebhookURL(req.WebhookURL); err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidURL, err.Error())
			return
		}
	}

	m, err := h.merchants.Create(r.Context(), merchant.CreateParams{
		Name:       name,
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		XPub:       req.XPub,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}

	responders.JSON(w, http.StatusCreated, map[string]any{
		"id":            m.ID,
		"name":          m.Name,
		"email":         emptyToNil(m.Email),
		"apiKey":        m.APIKey,
		"webhookUrl":    emptyToNil(m.WebhookURL),
		"webhookSecret": m.WebhookSecret,
		"createdAt":     m.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// getMerchant returns the authenticated merchant's profile, credentials
// excluded.
func (h handlers) getMerchant(w http.ResponseWriter, r *http.Request) {
	m, ok := merchantFrom(r.Context())
	if !ok {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingAPIKey, "authentication required")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"id":               m.ID,
		"name":             m.Name,
		"email":            emptyToNil(m.Email),
		"webhookUrl":       emptyToNil(m.WebhookURL),
		"nextAddressIndex": m.NextAddressIndex,
		"createdAt":        m.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":        m.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type updateMerchantRequest struct {
	Name       *string `json:"name,omitempty"`
	Email      *string `json:"email,omitempty"`
	WebhookURL *string `json:"webhookUrl,omitempty"`
}

// updateMerchant applies a partial profile update.
func (h handlers) updateMerchant(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())

	var req updateMerchantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name != nil {
		cleaned := sanitize.String(*req.Name)
		if cleaned == "" {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "name cannot be empty")
			return
		}
		req.Name = &cleaned
	}
	if req.Email != nil && *req.Email != "" {
		if _, err := mail.ParseAddress(*req.Email); err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "invalid email address")
			return
		}
		lowered := strings.ToLower(strings.TrimSpace(*req.Email))
		req.Email = &lowered
	}
	if req.WebhookURL != nil && *req.WebhookURL != "" {
		if err := validateWebhookURL(*req.WebhookURL); err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidURL, err.Error())
			return
		}
	}

	updated, err := h.merchants.Update(r.Context(), m.ID, req.Name, req.Email, req.WebhookURL)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"id":         updated.ID,
		"name":       updated.Name,
		"email":      emptyToNil(updated.Email),
		"webhookUrl": emptyToNil(updated.WebhookURL),
		"updatedAt":  updated.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// regenerateAPIKey rotates the API key; the old one stops working immediately.
func (h handlers) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())
	apiKey, err := h.merchants.RegenerateAPIKey(r.Context(), m.ID)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"apiKey": apiKey})
}

// regenerateWebhookSecret rotates the webhook signing secret.
func (h handlers) regenerateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())
	secret, err := h.merchants.RegenerateWebhookSecret(r.Context(), m.ID)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"webhookSecret": secret})
}

// merchantStats returns status counts and summed confirmed volume.
func (h handlers) merchantStats(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFrom(r.Context())
	stats, err := h.sessions.Stats(r.Context(), m.ID)
	if err != nil {
		h.writeServiceError(w, r, err, apperrors.ErrCodeMerchantNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"countByStatus":        stats.CountByStatus,
		"confirmedVolumeSompi": stats.ConfirmedVolumeSompi,
	})
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
