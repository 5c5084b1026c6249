// Package metrics exposes Prometheus collectors for checkout and webhook activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "fractiverse"
	subsystem = "billing"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	checkoutSessions *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	tokensCredited   prometheus.Counter
	sweepResults     *prometheus.CounterVec
	publishFailures  prometheus.Counter
}

// MustNewMetrics registers the collectors with reg. Collectors that are
// already registered are reused, so constructing twice against the same
// registry does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		checkoutSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkout_sessions_total",
			Help:      "Checkout session creation attempts by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		tokensCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_credited_total",
			Help:      "Tokens added to user balances.",
		}),
		sweepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_transactions_total",
			Help:      "Unapplied transactions handled by the sweeper by outcome.",
		}, []string{"outcome"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "purchase_publish_failures_total",
			Help:      "Purchase events that could not be handed to the broker.",
		}),
	}

	m.checkoutSessions = register(reg, m.checkoutSessions)
	m.webhookEvents = register(reg, m.webhookEvents)
	m.webhookDuration = register(reg, m.webhookDuration)
	m.tokensCredited = register(reg, m.tokensCredited)
	m.sweepResults = register(reg, m.sweepResults)
	m.publishFailures = register(reg, m.publishFailures)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) IncCheckout(outcome string) {
	if m == nil {
		return
	}
	m.checkoutSessions.WithLabelValues(outcome).Inc()
}

// ObserveWebhook records one delivery and its handling time.
func (m *Metrics) ObserveWebhook(eventType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) AddTokensCredited(tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.tokensCredited.Add(float64(tokens))
}

func (m *Metrics) IncSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweepResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
