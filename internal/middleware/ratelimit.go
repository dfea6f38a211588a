package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"imgstudio/internal/ratelimit"
)

// RateLimit charges one unit per request against limiter, keyed by prefix
// and client IP. Limiter failures let the request through.
func RateLimit(limiter *ratelimit.Limiter, prefix string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := prefix + ":" + ClientIP(r)
			decision, err := limiter.Admit(r.Context(), identity, 1)
			if err != nil {
				logger.Error().Err(err).Str("identity", identity).Msg("middleware: rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				retry := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":                "rate_limited",
						"message":             "too many requests",
						"scope":               decision.Scope,
						"retry_after_seconds": retry,
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
