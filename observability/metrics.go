package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	withdrawalMetricsOnce sync.Once
	withdrawalRegistry    *WithdrawalMetrics

	fraudMetricsOnce sync.Once
	fraudRegistry    *FraudMetrics
)

// GatewayMetrics tracks the security checks in front of mutating entry points.
type GatewayMetrics struct {
	authFailures *prometheus.CounterVec
	throttles    *prometheus.CounterVec
	replays      prometheus.Counter
	requests     *prometheus.CounterVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "gateway",
				Name:      "auth_failures_total",
				Help:      "Count of rejected request signatures segmented by reason.",
			}, []string{"reason"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests denied by the fixed-window rate limiter.",
			}, []string{"client"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "gateway",
				Name:      "replays_total",
				Help:      "Count of requests rejected for reusing a consumed nonce.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of screened requests segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.authFailures,
			gatewayRegistry.throttles,
			gatewayRegistry.replays,
			gatewayRegistry.requests,
		)
	})
	return gatewayRegistry
}

// RecordAuthFailure increments the auth failure counter for the reason.
func (m *GatewayMetrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(labelOrDefault(reason, "unspecified")).Inc()
}

// RecordThrottle increments the throttle counter for the client.
func (m *GatewayMetrics) RecordThrottle(clientID string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrDefault(clientID, "unknown")).Inc()
}

// RecordReplay counts a rejected nonce reuse.
func (m *GatewayMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// RecordRequest counts a screened request with its final outcome.
func (m *GatewayMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelOrDefault(outcome, "unknown")).Inc()
}

// WithdrawalMetrics tracks ledger activity and finalization health.
type WithdrawalMetrics struct {
	initiated       *prometheus.CounterVec
	finalized       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	finalizeLatency prometheus.Histogram
	pauseEngaged    prometheus.Gauge
}

// Withdrawals returns the lazily-initialised withdrawal metrics registry.
func Withdrawals() *WithdrawalMetrics {
	withdrawalMetricsOnce.Do(func() {
		withdrawalRegistry = &WithdrawalMetrics{
			initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "withdrawals",
				Name:      "initiated_total",
				Help:      "Count of withdrawals accepted into the ledger segmented by token.",
			}, []string{"token"}),
			finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "withdrawals",
				Name:      "finalized_total",
				Help:      "Count of withdrawals paid out segmented by token.",
			}, []string{"token"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "withdrawals",
				Name:      "failures_total",
				Help:      "Count of rejected ledger operations segmented by reason.",
			}, []string{"reason"}),
			finalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "aegis",
				Subsystem: "withdrawals",
				Name:      "finalize_duration_seconds",
				Help:      "Latency distribution for successful finalizations.",
				Buckets:   prometheus.DefBuckets,
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "aegis",
				Subsystem: "withdrawals",
				Name:      "pause_engaged",
				Help:      "Indicates whether the operator pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			withdrawalRegistry.initiated,
			withdrawalRegistry.finalized,
			withdrawalRegistry.failures,
			withdrawalRegistry.finalizeLatency,
			withdrawalRegistry.pauseEngaged,
		)
	})
	return withdrawalRegistry
}

// RecordInitiated counts an accepted withdrawal.
func (m *WithdrawalMetrics) RecordInitiated(token string) {
	if m == nil {
		return
	}
	m.initiated.WithLabelValues(labelToken(token)).Inc()
}

// RecordFinalized counts a paid-out withdrawal.
func (m *WithdrawalMetrics) RecordFinalized(token string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(labelToken(token)).Inc()
}

// RecordFailure increments the failure counter for the supplied reason.
// Reasons should be stable strings such as "proof_invalid" or "not_finalized"
// so dashboards and alerts remain consistent.
func (m *WithdrawalMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOrDefault(reason, "unspecified")).Inc()
}

// ObserveFinalizeLatency records the end-to-end duration of a finalization.
func (m *WithdrawalMetrics) ObserveFinalizeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.finalizeLatency.Observe(d.Seconds())
}

// SetPause toggles the pause_engaged gauge.
func (m *WithdrawalMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// FraudMetrics tracks block screening throughput and verdicts.
type FraudMetrics struct {
	blocks   *prometheus.CounterVec
	verdicts *prometheus.CounterVec
}

// Fraud returns the lazily-initialised fraud metrics registry.
func Fraud() *FraudMetrics {
	fraudMetricsOnce.Do(func() {
		fraudRegistry = &FraudMetrics{
			blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "fraud",
				Name:      "blocks_evaluated_total",
				Help:      "Count of blocks run through the fraud pipeline segmented by outcome.",
			}, []string{"outcome"}),
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "fraud",
				Name:      "verdicts_total",
				Help:      "Count of failing verdicts segmented by the rule that fired.",
			}, []string{"rule"}),
		}
		prometheus.MustRegister(fraudRegistry.blocks, fraudRegistry.verdicts)
	})
	return fraudRegistry
}

// RecordBlock counts an evaluated block with its outcome ("clean" or "fraud").
func (m *FraudMetrics) RecordBlock(outcome string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(labelOrDefault(outcome, "unknown")).Inc()
}

// RecordVerdict counts a failing verdict for the rule that fired.
func (m *FraudMetrics) RecordVerdict(rule string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(labelOrDefault(rule, "unknown")).Inc()
}

func labelToken(token string) string {
	return labelOrDefault(strings.ToUpper(strings.TrimSpace(token)), "UNKNOWN")
}

func labelOrDefault(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
