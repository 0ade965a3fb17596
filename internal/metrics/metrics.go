// Package metrics holds the prometheus collectors for the submission
// pipelines and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

const namespace = "veilbook"

// Metrics holds all application collectors. It satisfies service.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	Submissions  *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Cancels      *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WSConnections       prometheus.Gauge

	factory promauto.Factory
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg:     reg,
		factory: f,
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Finished submissions by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in each progress state before the next transition.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"pipeline", "state"}),
		Cancels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Cancel requests by outcome.",
		}, []string{"outcome"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open progress websocket connections.",
		}),
	}
}

func (m *Metrics) SubmissionFinished(pipeline, outcome string) {
	m.Submissions.WithLabelValues(pipeline, outcome).Inc()
}

func (m *Metrics) StepObserved(pipeline string, state domain.ProgressState, d time.Duration) {
	m.StepDuration.WithLabelValues(pipeline, string(state)).Observe(d.Seconds())
}

func (m *Metrics) CancelFinished(outcome domain.CancelOutcome) {
	m.Cancels.WithLabelValues(string(outcome)).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// WatchComputations exports the tracker's counts as gauges read at scrape
// time.
func (m *Metrics) WatchComputations(counts func() domain.ComputationCounts) {
	gauge := func(name, help string, pick func(domain.ComputationCounts) int) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(counts())) })
	}
	gauge("computations_pending", "Computations awaiting a cluster result.",
		func(c domain.ComputationCounts) int { return c.Pending })
	gauge("computations_completed", "Computations resolved successfully.",
		func(c domain.ComputationCounts) int { return c.Completed })
	gauge("computations_failed", "Computations resolved with an error.",
		func(c domain.ComputationCounts) int { return c.Failed })
}

// WatchOrders exports the local order cache counts.
func (m *Metrics) WatchOrders(counts func() domain.OrderCounts) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orders_active",
		Help:      "Active orders in the local cache.",
	}, func() float64 { return float64(counts().Active) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orders_legacy",
		Help:      "Orders that cannot be cancelled from this client.",
	}, func() float64 { return float64(counts().Legacy) })
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
