package imageloader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the image loader.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	FetchesTotal    prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	DeliveriesTotal *prometheus.CounterVec
	InFlight        prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageloader_requests_total",
			Help: "Image load requests by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imageloader_fetch_duration_seconds",
			Help:    "Network latency of image fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	fetches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imageloader_fetches_total",
			Help: "Total network fetch attempts issued.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imageloader_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageloader_errors_total",
			Help: "Total number of fetch or decode errors by type.",
		},
		[]string{"error_type"},
	)
	deliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageloader_deliveries_total",
			Help: "Results delivered to callers by kind.",
		},
		[]string{"kind"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageloader_in_flight",
			Help: "Number of distinct URLs currently being fetched.",
		},
	)

	registry.MustRegister(requests, fetchDuration, fetches, retries, errorsTotal, deliveries, inFlight)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		FetchDuration:   fetchDuration,
		FetchesTotal:    fetches,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		DeliveriesTotal: deliveries,
		InFlight:        inFlight,
	}
}

func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncDelivery(kind string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
