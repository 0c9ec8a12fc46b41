package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signadot/livetree/system/treed/actions"
)

// Metrics are the counters and gauges of one server, kept in their own
// registry so servers in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	mutations       *prometheus.CounterVec
	events          *prometheus.CounterVec
	sessions        prometheus.Gauge
	subscriptions   prometheus.Gauge
	slowConsumers   prometheus.Counter
	persistFailures prometheus.Counter
	persistSeconds  prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetree_mutations_total",
			Help: "Mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetree_changelog_events_total",
			Help: "ChangeLog events emitted by kind.",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetree_sessions",
			Help: "Connected sessions.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetree_subscriptions",
			Help: "Listeners and queries attached across sessions.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetree_slow_consumers_total",
			Help: "Sessions dropped for not keeping up with broadcasts.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetree_persist_failures_total",
			Help: "ChangeLogs the mirror gave up on after retries.",
		}),
		persistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetree_persist_seconds",
			Help:    "Time to persist a ChangeLog, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}
	m.Registry.MustRegister(
		m.mutations,
		m.events,
		m.sessions,
		m.subscriptions,
		m.slowConsumers,
		m.persistFailures,
		m.persistSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

// Observe implements actions.Observer.
func (m *Metrics) Observe(mu *actions.Mutation, r *actions.Result, err error) {
	m.mutations.WithLabelValues(string(mu.Action), actions.Outcome(r, err)).Inc()
	if err != nil || r == nil || r.ChangeLog == nil {
		return
	}
	for i := range r.ChangeLog.Events {
		m.events.WithLabelValues(r.ChangeLog.Events[i].Kind.String()).Inc()
	}
}

// persisted is the mirror's result callback.
func (m *Metrics) persisted(d time.Duration, err error) {
	m.persistSeconds.Observe(d.Seconds())
	if err != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
