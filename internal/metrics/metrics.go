// Package metrics defines the Prometheus instrumentation for the MFA
// service.
//
// Purpose:
//   Registers all service metrics with promauto and exposes small Record*
//   helpers so the rest of the codebase never touches label plumbing
//   directly. Metrics are served on /metrics by the HTTP server.
//
// Dependencies:
//   - github.com/prometheus/client_golang: metric types and promauto registration
//
// Key Responsibilities:
//   - Counters for setup, verification, backup-code and trust activity
//   - Latency histogram for verification outcomes
//   - Counter for audit mirror failures (the durable ledger has no metric
//     of its own; a failed ledger write fails the whole operation)
//
// Debugging Notes:
//   - All metrics live under the mfa_service namespace
//   - result labels are "success"/"failure"; reason labels are closed sets
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mfa_service"

var (
	setupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "setup_total",
		Help:      "TOTP provisioning requests by result.",
	}, []string{"result"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_total",
		Help:      "TOTP verification attempts by result.",
	}, []string{"result"})

	verifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verify_duration_seconds",
		Help:      "TOTP verification latency by result.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"result"})

	backupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_code_total",
		Help:      "Backup code consumption attempts by result.",
	}, []string{"result"})

	trustGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_grants_total",
		Help:      "Device trust grants issued during verification.",
	})

	trustChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_checks_total",
		Help:      "Trusted-device checks by outcome.",
	}, []string{"outcome"})

	trustCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trust_cache_total",
		Help:      "Trusted-device cache lookups by outcome (hit, miss, error).",
	}, []string{"outcome"})

	auditMirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_mirror_failures_total",
		Help:      "Security events that could not be mirrored to the external sink.",
	})
)

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordSetup counts a TOTP provisioning request.
func RecordSetup(ok bool) {
	setupTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordVerify counts a TOTP verification attempt and observes its latency.
func RecordVerify(ok bool, elapsed time.Duration) {
	label := resultLabel(ok)
	verifyTotal.WithLabelValues(label).Inc()
	verifyDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// RecordBackupCode counts a backup code consumption attempt.
func RecordBackupCode(ok bool) {
	backupTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordTrustGrant counts a device trust registration.
func RecordTrustGrant() {
	trustGrantsTotal.Inc()
}

// RecordTrustCheck counts a trusted-device check. Outcome is one of
// "trusted", "untrusted", "expired".
func RecordTrustCheck(outcome string) {
	trustChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordTrustCacheLookup counts a cache lookup outcome: "hit", "miss" or
// "error".
func RecordTrustCacheLookup(outcome string) {
	trustCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordAuditMirrorFailure counts an event that failed to reach the mirror
// sink. The durable ledger write is accounted separately by the operation
// outcome itself.
func RecordAuditMirrorFailure() {
	auditMirrorFailures.Inc()
}
