package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the guardrail pipeline. All metrics register with
// the default registry and surface on the gateway's /metrics endpoint.
var (
	// guardrailDecisions counts final permission decisions by strategy and
	// outcome.
	guardrailDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_guardrail_decisions_total",
			Help: "Total guardrail decisions by strategy and outcome",
		},
		[]string{"strategy", "decision"},
	)

	// shieldChecks counts prompt shield calls by verdict: clean, attack,
	// or failed.
	shieldChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_shield_checks_total",
			Help: "Total prompt shield checks by verdict",
		},
		[]string{"verdict"},
	)

	// reviewDuration measures AITL review latency in seconds.
	reviewDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_review_duration_seconds",
			Help:    "Duration of AITL reviews in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"approved"},
	)

	// approvalWaits measures how long human approvals take to resolve.
	approvalWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_approval_wait_seconds",
			Help:    "Time from approval request to resolution in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"channel"},
	)

	// httpRequests counts admin API requests.
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_http_requests_total",
			Help: "Total admin API requests",
		},
		[]string{"method", "path", "status_code"},
	)

	// httpRequestDuration measures admin API latency in seconds.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_http_request_duration_seconds",
			Help:    "Duration of admin API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// auditWrites counts decision log inserts by status.
	auditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_audit_writes_total",
			Help: "Total audit log writes by status",
		},
		[]string{"status"},
	)
)

// RecordGuardrailDecision records one final permission decision.
func RecordGuardrailDecision(strategy string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	guardrailDecisions.WithLabelValues(strategy, decision).Inc()
}

// RecordShieldCheck records one prompt shield call.
func RecordShieldCheck(attackDetected, failed bool) {
	verdict := "clean"
	switch {
	case attackDetected:
		verdict = "attack"
	case failed:
		verdict = "failed"
	}
	shieldChecks.WithLabelValues(verdict).Inc()
}

// RecordReview records one AITL review and its latency.
func RecordReview(approved bool, durationSeconds float64) {
	label := "false"
	if approved {
		label = "true"
	}
	reviewDuration.WithLabelValues(label).Observe(durationSeconds)
}

// RecordApprovalWait records the wait for one human approval.
func RecordApprovalWait(channel string, durationSeconds float64) {
	approvalWaits.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordHTTPRequest records one admin API request.
func RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	httpRequests.WithLabelValues(method, path, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordAuditWrite records one decision log insert.
func RecordAuditWrite(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	auditWrites.WithLabelValues(status).Inc()
}
