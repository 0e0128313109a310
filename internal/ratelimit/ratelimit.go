// Package ratelimit wraps httprate with the gateway's per-source-IP limits
// and a JSON 429 response.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	apperrors "github.com/KasGate/server/internal/errors"
	"github.com/KasGate/server/internal/metrics"
)

// ByIP limits requests per source IP within the window. scope labels the
// rate-limit metric (general, merchant_create, session_create).
func ByIP(requests int, window time.Duration, scope string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if m != nil {
				m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
			}
			apperrors.WriteSimpleError(w, apperrors.ErrCodeRateLimited,
				"rate limit exceeded, slow down")
		}),
	)
}
