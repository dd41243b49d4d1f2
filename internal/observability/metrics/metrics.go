package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "trip_checkout"

	quoteRequestsFamily = namespace + "_quote_requests_total"
)

// CheckoutMetrics exposes counters/histograms for the booking checkout flow.
type CheckoutMetrics struct {
	quoteTotal     *prometheus.CounterVec
	discountTotal  *prometheus.CounterVec
	submitTotal    *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	activeSessions prometheus.Gauge
}

func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	m := &CheckoutMetrics{
		quoteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Quote probes by outcome",
		}, []string{"outcome"}),
		discountTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discount",
			Name:      "operations_total",
			Help:      "Discount apply/remove operations by outcome",
		}, []string{"operation", "outcome"}),
		submitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "submissions_total",
			Help:      "Payment submissions by terminal path",
		}, []string{"path"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of booking backend calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wizard",
			Name:      "active_sessions",
			Help:      "Booking wizard sessions held in memory",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.quoteTotal, m.discountTotal, m.submitTotal, m.backendLatency, m.activeSessions)
	return m
}

// ObserveQuote counts a probe outcome: accepted, failed, stale, short_circuit, busy, incomplete.
func (m *CheckoutMetrics) ObserveQuote(outcome string) {
	if m == nil {
		return
	}
	m.quoteTotal.WithLabelValues(outcome).Inc()
}

func (m *CheckoutMetrics) ObserveDiscount(operation, outcome string) {
	if m == nil {
		return
	}
	m.discountTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveSubmit counts a terminal submit path: free, confirmed, failed.
func (m *CheckoutMetrics) ObserveSubmit(path string) {
	if m == nil {
		return
	}
	m.submitTotal.WithLabelValues(path).Inc()
}

func (m *CheckoutMetrics) ObserveBackend(endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendLatency.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
}

func (m *CheckoutMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
