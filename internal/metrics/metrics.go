// Package metrics exposes Prometheus collectors for the request coordinator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camprompt"

// Request outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeError         = "error"
	OutcomeCaptureFailed = "capture_failed"
)

type Metrics struct {
	requests   *prometheus.CounterVec
	dropped    prometheus.Counter
	duration   prometheus.Histogram
	inFlight   prometheus.Gauge
	running    prometheus.Gauge
	historyLen prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Capture-and-submit cycles by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_ticks_total",
			Help:      "Requests skipped because another was still in flight.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Latency of completion calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_in_flight",
			Help:      "1 while a completion call is outstanding.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while periodic capture is active.",
		}),
		historyLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Number of responses in the session history.",
		}),
	}
	reg.MustRegister(m.requests, m.dropped, m.duration, m.inFlight, m.running, m.historyLen)
	return m
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCompletion(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetInFlight(v bool) {
	if m == nil {
		return
	}
	m.inFlight.Set(boolToFloat(v))
}

func (m *Metrics) SetRunning(v bool) {
	if m == nil {
		return
	}
	m.running.Set(boolToFloat(v))
}

func (m *Metrics) SetHistoryLen(n int) {
	if m == nil {
		return
	}
	m.historyLen.Set(float64(n))
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
