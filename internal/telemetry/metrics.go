package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	txRetries   prometheus.Counter
	requests    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageline",
			Name:      "transitions_total",
			Help:      "Committed pipeline transitions by kind and outcome type.",
		}, []string{"kind", "outcome_type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageline",
			Name:      "transition_rejections_total",
			Help:      "Transitions rejected by the engine, by error code.",
		}, []string{"code"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stageline",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after contention.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stageline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(m.transitions, m.rejections, m.txRetries, m.requests,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Transition(kind, outcomeType string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, outcomeType).Inc()
}

func (m *Metrics) Rejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) TxRetry() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

func (m *Metrics) ObserveRequest(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
