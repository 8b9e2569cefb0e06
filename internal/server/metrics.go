package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's private Prometheus registry. It is created before
// the server so the relay retry loop can report into it.
type Metrics struct {
	registry           *prometheus.Registry
	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	retryAttemptsTotal *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	dlqDepth           prometheus.Gauge
}

func NewMetrics() *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fassets_operations_total",
		Help: "API operations by outcome",
	}, []string{"op", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fassets_operation_duration_seconds",
		Help:    "API operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fassets_retry_attempts_total",
		Help: "Relay root fetch attempts",
	}, []string{"result"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fassets_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fassets_dlq_depth",
		Help: "Number of failed requests in the dead letter directory",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, duration, retries, limited, dlq,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry:           r,
		operationsTotal:    ops,
		operationDuration:  duration,
		retryAttemptsTotal: retries,
		rateLimitedTotal:   limited,
		dlqDepth:           dlq,
	}
}

// gaugeFunc registers a gauge read at scrape time.
func (m *Metrics) gaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeOp(op, status string, took time.Duration) {
	m.operationsTotal.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveRetry counts one relay fetch attempt: success, retry or failed.
func (m *Metrics) ObserveRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
