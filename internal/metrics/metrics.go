// Package metrics exposes Prometheus instrumentation for the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Charge commit results.
const (
	ChargeResultCommitted    = "committed"
	ChargeResultDeferred     = "deferred"
	ChargeResultSkipped      = "skipped"
	ChargeResultDeadLettered = "dead_lettered"
)

// Payment message results.
const (
	PaymentResultCredited  = "credited"
	PaymentResultRejected  = "rejected"
	PaymentResultRequeued  = "requeued"
	PaymentResultDuplicate = "duplicate"
)

// Config sets the constant labels attached to every series.
type Config struct {
	ServiceName string
	PodName     string
}

// Metrics holds every collector the gateway records into.
type Metrics struct {
	gatherer prometheus.Gatherer

	gateOutcomes    *prometheus.CounterVec
	workerDuration  *prometheus.HistogramVec
	chargeCommits   *prometheus.CounterVec
	chargesRequeued prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	paymentMessages *prometheus.CounterVec
	auditRecords    *prometheus.CounterVec
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry, cfg Config) *Metrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "metered_gateway"
	}
	pod := strings.TrimSpace(cfg.PodName)
	if pod == "" {
		pod = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "pod": pod}

	m := &Metrics{
		gatherer: registry,
		gateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_gate_outcomes_total",
			Help:        "Feature gate decisions by feature and outcome.",
			ConstLabels: constLabels,
		}, []string{"feature", "outcome"}),
		workerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gateway_worker_duration_seconds",
			Help:        "Generation worker latency by feature and result.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"feature", "result"}),
		chargeCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_charge_commits_total",
			Help:        "Charge commits by mode and result.",
			ConstLabels: constLabels,
		}, []string{"mode", "result"}),
		chargesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_charges_requeued_total",
			Help:        "Pending charges re-enqueued by the reconciler.",
			ConstLabels: constLabels,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_http_requests_total",
			Help:        "HTTP requests by route and status code.",
			ConstLabels: constLabels,
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gateway_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_rate_limited_total",
			Help:        "Requests rejected by the rate limiter.",
			ConstLabels: constLabels,
		}, []string{"route"}),
		paymentMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_payment_messages_total",
			Help:        "Payment messages consumed by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gateway_audit_records_total",
			Help:        "Charge audit records by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.gateOutcomes,
		m.workerDuration,
		m.chargeCommits,
		m.chargesRequeued,
		m.httpRequests,
		m.httpDuration,
		m.rateLimited,
		m.paymentMessages,
		m.auditRecords,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) GateOutcome(feature, outcome string) {
	if m == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(feature, outcome).Inc()
}

func (m *Metrics) ObserveWorker(feature, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerDuration.WithLabelValues(feature, result).Observe(d.Seconds())
}

func (m *Metrics) ChargeCommit(mode, result string) {
	if m == nil {
		return
	}
	m.chargeCommits.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ChargesRequeued(n int) {
	if m == nil {
		return
	}
	m.chargesRequeued.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) PaymentMessage(result string) {
	if m == nil {
		return
	}
	m.paymentMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditRecords(result string, n int) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(result).Add(float64(n))
}
