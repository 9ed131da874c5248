// Package metrics exposes registry and HTTP metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "said"

// Metrics holds every collector of the daemon on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Operation outcomes by operation and result code
	Operations *prometheus.CounterVec
	// Fees moved into and out of the treasury
	FeesCollected prometheus.Counter
	FeesWithdrawn prometheus.Counter
	// Event relay outcomes
	EventsRelayed *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Registry operations by operation name and result code",
		}, []string{"operation", "result"}),
		FeesCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Registration fees transferred into the treasury",
		}),
		FeesWithdrawn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_withdrawn_total",
			Help:      "Fees withdrawn from the treasury by the authority",
		}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Committed events handed to the publisher by result",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by handler, method and status code",
		}, []string{"handler", "method", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"handler", "method"}),
	}
}

// ObserveOperation records the outcome of a registry operation. result is
// "ok" or the error code.
func (m *Metrics) ObserveOperation(operation, result string) {
	if m != nil {
		m.Operations.WithLabelValues(operation, result).Inc()
	}
}

// AddFeesCollected increases the collected fee counter.
func (m *Metrics) AddFeesCollected(amount uint64) {
	if m != nil {
		m.FeesCollected.Add(float64(amount))
	}
}

// AddFeesWithdrawn increases the withdrawn fee counter.
func (m *Metrics) AddFeesWithdrawn(amount uint64) {
	if m != nil {
		m.FeesWithdrawn.Add(float64(amount))
	}
}

// ObserveRelay records whether a committed event reached the publisher.
func (m *Metrics) ObserveRelay(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.EventsRelayed.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
