package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func counterValue(family *dto.MetricFamily, labels map[string]string) float64 {
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		matched := true
		for _, pair := range metric.GetLabel() {
			if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestGatewayMetricsRegisterAndCount(t *testing.T) {
	m := Gateway()
	require.Same(t, m, Gateway())

	before := counterValue(gatherFamily(t, "aegis_gateway_auth_failures_total"), map[string]string{"reason": "bad_signature"})
	m.RecordAuthFailure("bad_signature")
	m.RecordAuthFailure("")
	m.RecordReplay()
	m.RecordRequest("allowed")

	family := gatherFamily(t, "aegis_gateway_auth_failures_total")
	require.NotNil(t, family)
	require.Equal(t, dto.MetricType_COUNTER, family.GetType())
	require.Equal(t, before+1, counterValue(family, map[string]string{"reason": "bad_signature"}))
	require.GreaterOrEqual(t, counterValue(family, map[string]string{"reason": "unspecified"}), float64(1))
}

func TestWithdrawalMetricsTokenNormalisation(t *testing.T) {
	m := Withdrawals()

	before := counterValue(gatherFamily(t, "aegis_withdrawals_initiated_total"), map[string]string{"token": "NATIVE"})
	m.RecordInitiated(" native ")
	m.RecordFinalized("NATIVE")
	m.RecordFailure("proof_invalid")
	m.ObserveFinalizeLatency(125 * time.Millisecond)
	m.SetPause(true)

	family := gatherFamily(t, "aegis_withdrawals_initiated_total")
	require.Equal(t, before+1, counterValue(family, map[string]string{"token": "NATIVE"}))

	gauge := gatherFamily(t, "aegis_withdrawals_pause_engaged")
	require.NotNil(t, gauge)
	require.Equal(t, float64(1), gauge.GetMetric()[0].GetGauge().GetValue())
	m.SetPause(false)

	histogram := gatherFamily(t, "aegis_withdrawals_finalize_duration_seconds")
	require.NotNil(t, histogram)
	require.Equal(t, dto.MetricType_HISTOGRAM, histogram.GetType())
	require.GreaterOrEqual(t, histogram.GetMetric()[0].GetHistogram().GetSampleCount(), uint64(1))
}

func TestFraudMetricsVerdictLabels(t *testing.T) {
	m := Fraud()

	before := counterValue(gatherFamily(t, "aegis_fraud_verdicts_total"), map[string]string{"rule": "double_spend"})
	m.RecordBlock("fraud")
	m.RecordVerdict("double_spend")

	family := gatherFamily(t, "aegis_fraud_verdicts_total")
	require.Equal(t, before+1, counterValue(family, map[string]string{"rule": "double_spend"}))
}

func TestEventMetricsPublishCounter(t *testing.T) {
	m := Events()

	before := counterValue(gatherFamily(t, "aegis_events_published_total"), map[string]string{"type": "bridge.paused"})
	m.RecordPublished("bridge.paused")
	m.RecordPublished("  ")

	family := gatherFamily(t, "aegis_events_published_total")
	require.Equal(t, before+1, counterValue(family, map[string]string{"type": "bridge.paused"}))
	require.GreaterOrEqual(t, counterValue(family, map[string]string{"type": "unknown"}), float64(1))
}

func TestNilRegistriesAreSafe(t *testing.T) {
	var gw *GatewayMetrics
	gw.RecordAuthFailure("x")
	gw.RecordThrottle("x")
	gw.RecordReplay()
	gw.RecordRequest("x")

	var wd *WithdrawalMetrics
	wd.RecordInitiated("x")
	wd.RecordFinalized("x")
	wd.RecordFailure("x")
	wd.ObserveFinalizeLatency(time.Second)
	wd.SetPause(true)

	var fr *FraudMetrics
	fr.RecordBlock("x")
	fr.RecordVerdict("x")

	var ev *eventMetrics
	ev.RecordPublished("x")
}
