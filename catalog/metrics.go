package catalog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Metrics bundles Prometheus collectors for the catalogue client.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	BreakerState    prometheus.Gauge
	DroppedProducts prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Catalogue requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "Catalogue request latency including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_retries_total",
			Help: "Catalogue request retries.",
		},
	)
	breaker := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open).",
		},
	)
	dropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_dropped_products_total",
			Help: "Products discarded because they failed validation.",
		},
	)

	registry.MustRegister(requests, duration, retries, breaker, dropped)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: duration,
		RetriesTotal:    retries,
		BreakerState:    breaker,
		DroppedProducts: dropped,
	}
}

func (m *Metrics) ObserveRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.DroppedProducts.Inc()
}

func (m *Metrics) SetBreakerState(state gobreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(stateToFloat(state))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
