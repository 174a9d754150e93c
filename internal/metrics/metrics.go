// Package metrics holds the server's prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dungeon_table"

// Metrics is safe to share. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Narration   prometheus.Histogram
	Dropped     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections bound to a campaign room.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound live events by name and outcome.",
		}, []string{"event", "outcome"}),
		Narration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "narration_seconds",
			Help:      "Time spent waiting on the narrator.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_connections_total",
			Help:      "Connections dropped because their outbox was full.",
		}),
	}
	m.registry.MustRegister(
		m.Connections, m.Events, m.Narration, m.Dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Connected() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) Disconnected() {
	if m != nil {
		m.Connections.Dec()
	}
}

// Event counts one inbound event; outcome is "ok" or an error code.
func (m *Metrics) Event(event, outcome string) {
	if m != nil {
		m.Events.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) ObserveNarration(d time.Duration) {
	if m != nil {
		m.Narration.Observe(d.Seconds())
	}
}

func (m *Metrics) Drop() {
	if m != nil {
		m.Dropped.Inc()
	}
}
