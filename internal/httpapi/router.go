package httpapi

import (
	"context"
	"net/http"
	"time"

	"metered_gateway/internal/audit"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/config"
	"metered_gateway/internal/credit"
	"metered_gateway/internal/gate"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/payments"
	"metered_gateway/internal/ratelimit"
	"metered_gateway/internal/utils"
)

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Gate         *gate.Gate
	Credits      credit.Ledger
	Credentials  auth.ServiceCredentialStore
	DeadLetters  DeadLetterAdmin
	RateLimit    ratelimit.Limiter
	Metrics      *metrics.Metrics
	HealthChecks map[string]HealthCheck

	// Background components started by NewRouter and stopped by Shutdown.
	ChargeWorker *billing.ChargeQueueWorker
	Reconciler   *billing.Reconciler
	Payments     *payments.Consumer
	Audit        audit.Sink

	closers []namedCloser
	cancel  context.CancelFunc
	logger  *utils.Logger
}

type namedCloser struct {
	name  string
	close func() error
}

// NewMux registers every route on a fresh ServeMux.
func NewMux(d *Dependencies) *http.ServeMux {
	if d.logger == nil {
		d.logger = utils.NewLogger("httpapi")
	}
	if d.RateLimit == nil {
		d.RateLimit = ratelimit.NewNoopLimiter()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, d)
	return mux
}

func registerRoutes(mux *http.ServeMux, d *Dependencies) {
	cfg := d.Config
	userJWT := middleware.UserJWTMiddleware(cfg)

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, middleware.Instrument(name, d.Metrics)(h))
	}

	// User endpoints
	route("POST /quota/check", "quota_check", userJWT(http.HandlerFunc(d.handleQuotaCheck)))
	route("POST /execute", "execute", userJWT(
		middleware.RateLimitMiddleware(d.RateLimit, cfg.RateLimit.ExecutePerMinute, "execute", d.Metrics)(
			http.HandlerFunc(d.handleExecute),
		),
	))
	route("GET /jobs/status", "job_status", userJWT(http.HandlerFunc(d.handleJobStatus)))
	route("GET /credits/balance", "credit_balance", userJWT(http.HandlerFunc(d.handleBalance)))

	// Admin authentication - public
	adminAuth := NewAdminAuthHandler(d.Credentials, cfg)
	route("POST /admin/auth/token", "admin_token", http.HandlerFunc(adminAuth.TokenAuth))

	// Admin endpoints
	adminOnly := middleware.AdminJWTMiddleware(cfg, auth.RoleAdmin)
	viewer := middleware.AdminJWTMiddleware(cfg, auth.RoleViewer)
	route("POST /admin/credits", "admin_credits", adminOnly(http.HandlerFunc(d.handleGrantCredits)))
	if d.DeadLetters != nil {
		route("GET /admin/charges/dead-letters", "admin_dead_letters", viewer(http.HandlerFunc(d.handleListDeadLetters)))
		route("POST /admin/charges/dead-letters/retry", "admin_dead_letter_retry", adminOnly(http.HandlerFunc(d.handleRetryDeadLetter)))
	}

	// Ops - public
	mux.HandleFunc("GET /health", d.handleHealth)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every health check with a short deadline.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(d.HealthChecks) > 0 {
		resp.Checks = make(map[string]string, len(d.HealthChecks))
	}
	for name, check := range d.HealthChecks {
		if err := check(ctx); err != nil {
			d.logger.Warn("Health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	utils.RespondWithJSON(w, code, resp)
}
