// Package metrics содержит Prometheus-коллекторы оформления заказов, платежей и HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики оформления заказов и платёжных уведомлений.
type CheckoutMetrics struct {
	checkoutStarted   prometheus.Counter
	checkoutSucceeded prometheus.Counter
	checkoutFailed    *prometheus.CounterVec

	checkoutDuration prometheus.Histogram
	gatewayDuration  *prometheus.HistogramVec

	notifications   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	inconsistencies prometheus.Counter
	timelineEvents  prometheus.Counter
	outboxEvents    prometheus.Counter

	activeCheckouts prometheus.Gauge
}

// NewCheckoutMetrics создаёт метрики в DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer создаёт метрики в переданном реестре.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	c := in(registerer)
	return &CheckoutMetrics{
		checkoutStarted: c.counter(prometheus.CounterOpts{
			Name: "storefront_checkout_started_total",
			Help: "Total number of checkouts started",
		}),
		checkoutSucceeded: c.counter(prometheus.CounterOpts{
			Name: "storefront_checkout_succeeded_total",
			Help: "Total number of checkouts that reached payment_initiated",
		}),
		checkoutFailed: c.counterVec(prometheus.CounterOpts{
			Name: "storefront_checkout_failed_total",
			Help: "Total number of failed checkouts by reason",
		}, "reason"),
		checkoutDuration: c.histogram(prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		gatewayDuration: c.histogramVec(prometheus.HistogramOpts{
			Name:    "storefront_payment_initiate_duration_seconds",
			Help:    "Duration of payment gateway initiate calls in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, "provider", "result"),
		notifications: c.counterVec(prometheus.CounterOpts{
			Name: "storefront_payment_notifications_total",
			Help: "Total number of payment notifications by provider and outcome",
		}, "provider", "outcome"),
		transitions: c.counterVec(prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Total number of order status transitions",
		}, "from", "to"),
		inconsistencies: c.counter(prometheus.CounterOpts{
			Name: "storefront_persistence_inconsistencies_total",
			Help: "Total number of accepted payments whose order status could not be persisted",
		}),
		timelineEvents: c.counter(prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: c.counter(prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeCheckouts: c.gauge(prometheus.GaugeOpts{
			Name: "storefront_active_checkouts",
			Help: "Number of checkouts currently in progress",
		}),
	}
}

// RecordCheckoutStarted увеличивает счётчик начатых оформлений.
func (m *CheckoutMetrics) RecordCheckoutStarted() {
	m.checkoutStarted.Inc()
	m.activeCheckouts.Inc()
}

// RecordCheckoutFinished фиксирует длительность и снимает активное оформление.
// Пустой reason означает успех.
func (m *CheckoutMetrics) RecordCheckoutFinished(reason string, duration time.Duration) {
	m.activeCheckouts.Dec()
	m.checkoutDuration.Observe(duration.Seconds())
	if reason == "" {
		m.checkoutSucceeded.Inc()
		return
	}
	m.checkoutFailed.WithLabelValues(reason).Inc()
}

// RecordGatewayCall записывает длительность вызова провайдера.
func (m *CheckoutMetrics) RecordGatewayCall(provider string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(provider, result).Observe(duration.Seconds())
}

// RecordNotification увеличивает счётчик уведомлений провайдера.
func (m *CheckoutMetrics) RecordNotification(provider, outcome string) {
	m.notifications.WithLabelValues(provider, outcome).Inc()
}

// RecordTransition увеличивает счётчик переходов статуса.
func (m *CheckoutMetrics) RecordTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordInconsistency увеличивает счётчик расхождений с провайдером.
func (m *CheckoutMetrics) RecordInconsistency() {
	m.inconsistencies.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CheckoutMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
