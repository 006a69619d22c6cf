package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), Config{PodName: "pod-1"})

	m.GateOutcome("summary", "succeeded")
	m.GateOutcome("summary", "succeeded")
	m.ChargeCommit("paid", ChargeResultDeferred)
	m.ChargesRequeued(3)
	m.PaymentMessage(PaymentResultCredited)
	m.RateLimited("/execute")
	m.AuditRecords("uploaded", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateOutcomes.WithLabelValues("summary", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chargeCommits.WithLabelValues("paid", ChargeResultDeferred)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.chargesRequeued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentMessages.WithLabelValues(PaymentResultCredited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("/execute")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.auditRecords.WithLabelValues("uploaded")))
}

func TestHandlerExposesConstLabels(t *testing.T) {
	m := New(prometheus.NewRegistry(), Config{ServiceName: "gw", PodName: "pod-1"})
	m.ObserveHTTP("/execute", http.StatusOK, 20*time.Millisecond)
	m.ObserveWorker("summary", "succeeded", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `gateway_http_requests_total{code="200",pod="pod-1",route="/execute",service="gw"} 1`), body)
	assert.Contains(t, body, "gateway_worker_duration_seconds_bucket")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GateOutcome("summary", "replayed")
		m.ObserveWorker("summary", "failed", time.Second)
		m.ChargeCommit("free", ChargeResultCommitted)
		m.ChargesRequeued(1)
		m.ObserveHTTP("/health", 200, time.Millisecond)
		m.RateLimited("/execute")
		m.PaymentMessage(PaymentResultRejected)
		m.AuditRecords("failed", 1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
