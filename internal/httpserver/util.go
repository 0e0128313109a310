package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/internal/session"
	"github.com/KasGate/server/internal/storage"
)

// decodeJSON reads a JSON request body into dst, mapping oversized and
// malformed bodies to their error codes. Returns false after writing the
// error response.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeBodyTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return false
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMalformedRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeInternal logs the error and returns a 500. Production responses get a
// generic message; elsewhere the diagnostic is included.
func (h handlers) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())
	log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")

	message := "internal error"
	if h.cfg.Logging.Environment != "production" {
		message = err.Error()
	}
	apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, message)
}

// writeServiceError maps service-layer errors to API error codes.
func (h handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFound apperrors.ErrorCode) {
	switch {
	case errors.Is(err, session.ErrInvalidAmount):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount,
			"amount must be a decimal string with at most 8 fractional digits")
	case errors.Is(err, session.ErrAmountTooSmall):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeAmountTooSmall,
			fmt.Sprintf("amount below the minimum of %d sompi", h.cfg.Session.MinAmountSompi))
	case errors.Is(err, session.ErrInvalidOrderID):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidOrderID, err.Error())
	case errors.Is(err, session.ErrInvalidMetadata):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidMetadata, err.Error())
	case errors.Is(err, storage.ErrDuplicateEmail):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDuplicateEmail, "a merchant with this email already exists")
	case errors.Is(err, storage.ErrInvalidTransition):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		apperrors.WriteSimpleError(w, notFound, "not found")
	default:
		h.writeInternal(w, r, err)
	}
}

// validateWebhookURL checks that a merchant webhook URL is absolute and
// HTTPS. Plain HTTP is allowed only for loopback development endpoints.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("webhook url must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if host := u.Hostname(); host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return fmt.Errorf("webhook url must use HTTPS")
	default:
		return fmt.Errorf("webhook url must use HTTPS")
	}
}

// paging reads limit/offset query parameters with bounds.
func paging(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
