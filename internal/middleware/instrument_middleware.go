package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/metrics"
	"metered_gateway/internal/utils"
)

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument assigns a request id, records latency per route and logs each
// request at debug level.
func Instrument(route string, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := utils.NewLogger("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			m.ObserveHTTP(route, rec.status, elapsed)
			logger.Debug("Request served",
				"request_id", reqID, "method", r.Method, "route", route,
				"status", rec.status, "duration_ms", elapsed.Milliseconds())
		})
	}
}
