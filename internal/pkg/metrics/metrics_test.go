package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.IncCheckout("created")
	m.IncCheckout("created")
	m.IncCheckout("invalid_price")
	m.ObserveWebhook("checkout.session.completed", "credited", 20*time.Millisecond)
	m.ObserveWebhook("", "invalid_signature", time.Millisecond)
	m.AddTokensCredited(100)
	m.AddTokensCredited(-5)
	m.IncSweep("applied")
	m.IncPublishFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.checkoutSessions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkoutSessions.WithLabelValues("invalid_price")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("unknown", "invalid_signature")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokensCredited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepResults.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailures))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.AddTokensCredited(10)
	second.AddTokensCredited(5)
	assert.Equal(t, 15.0, testutil.ToFloat64(second.tokensCredited))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncCheckout("created")
		m.ObserveWebhook("x", "y", time.Second)
		m.AddTokensCredited(1)
		m.IncSweep("applied")
		m.IncPublishFailure()
	})
}
