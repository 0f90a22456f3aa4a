package metrics

import (
	"net/http"
	"sync"

	"wastesort-go/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wastesort"

// Metrics holds the dashboard's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	detections    *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	detectLatency prometheus.Histogram
	backendStatus *prometheus.GaugeVec
	clears        prometheus.Counter
	retakes       prometheus.Counter

	statusMu  sync.Mutex
	statusSeq uint64
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Accepted detections by category",
		}, []string{"category"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Image submissions by outcome and error kind",
		}, []string{"outcome", "kind"}),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Round trip time of successful detection requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		backendStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_status",
			Help:      "Current detection backend status (1 for the active status)",
		}, []string{"status"}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_clears_total",
			Help:      "Number of history clears",
		}),
		retakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retakes_total",
			Help:      "Number of retakes",
		}),
	}

	m.registry.MustRegister(
		m.detections,
		m.submissions,
		m.detectLatency,
		m.backendStatus,
		m.clears,
		m.retakes,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m.setStatus(session.StatusChecking)

	return m
}

// RegisterGauge exposes a value computed at scrape time
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// Observe implements session.Observer
func (m *Metrics) Observe(e session.Event) {
	switch e.Type {
	case session.EventStatus:
		m.statusMu.Lock()
		if e.Snapshot.Seq >= m.statusSeq {
			m.statusSeq = e.Snapshot.Seq
			m.setStatus(e.Snapshot.Status)
		}
		m.statusMu.Unlock()
	case session.EventDetections:
		m.submissions.WithLabelValues("accepted", "").Inc()
		if e.Latency > 0 {
			m.detectLatency.Observe(e.Latency.Seconds())
		}
		for _, d := range e.Accepted {
			m.detections.WithLabelValues(string(d.Category)).Inc()
		}
	case session.EventRejected:
		m.submissions.WithLabelValues("rejected", string(session.KindOf(e.Err))).Inc()
	case session.EventCleared:
		m.clears.Inc()
	case session.EventRetake:
		m.retakes.Inc()
	}
}

func (m *Metrics) setStatus(current session.Status) {
	for _, s := range []session.Status{
		session.StatusChecking,
		session.StatusConnected,
		session.StatusDegraded,
		session.StatusDisconnected,
	} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.backendStatus.WithLabelValues(string(s)).Set(v)
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
