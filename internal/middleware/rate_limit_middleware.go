package middleware

import (
	"net/http"
	"strconv"

	"metered_gateway/internal/metrics"
	"metered_gateway/internal/ratelimit"
	"metered_gateway/internal/utils"
)

// RateLimitMiddleware limits each authenticated user to limit requests per
// window on the wrapped route. It must run after UserJWTMiddleware. A
// limiter error lets the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, limit int, route string, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := utils.NewLogger("rate-limit")

	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt, err := limiter.AllowWithDetails(r.Context(), route+":"+userID, limit)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request", "user_id", userID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				m.RateLimited(route)
				utils.RespondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
