package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the prometheus collectors exported by the cluster core.
type Metrics struct {
	registry *prometheus.Registry

	NodesByStatus *prometheus.GaugeVec
	ProbesTotal   *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
	EventsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		NodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cluster",
			Name:      "nodes",
			Help:      "Number of cluster nodes by effective status.",
		}, []string{"status"}),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster",
			Name:      "probes_total",
			Help:      "Health probe cycles by result.",
		}, []string{"result"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cluster",
			Name:      "probe_duration_seconds",
			Help:      "Duration of individual health probe attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster",
			Name:      "membership_events_total",
			Help:      "Membership events by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.NodesByStatus, m.ProbesTotal, m.ProbeDuration, m.EventsTotal)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
