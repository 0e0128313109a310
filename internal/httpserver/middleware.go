package httpserver

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/storage"
)

type contextKey string

const merchantContextKey contextKey = "merchant"

// securityHeaders adds defense-in-depth headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps request bodies. Oversized bodies fail inside the JSON
// decoder and surface as 413 via decodeJSON.
func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAPIKey resolves X-API-Key to a merchant and stores it in the
// request context.
func (h handlers) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingAPIKey, "X-API-Key header required")
			return
		}

		merch, err := h.merchants.Authenticate(r.Context(), key)
		if err != nil {
			if errors.Is(err, merchant.ErrInvalidKey) {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAPIKey, "invalid API key")
				return
			}
			h.writeInternal(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), merchantContextKey, merch)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// merchantFrom returns the authenticated merchant stored by requireAPIKey.
func merchantFrom(ctx context.Context) (storage.Merchant, bool) {
	m, ok := ctx.Value(merchantContextKey).(storage.Merchant)
	return m, ok
}
