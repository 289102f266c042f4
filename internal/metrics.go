package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	increments      prometheus.Counter
	incrementErrors prometheus.Counter
	presenceConns   prometheus.Gauge
	streamSubs      prometheus.Gauge
	onlineUsers     prometheus.Gauge
	generatingUsers prometheus.Gauge
}

// NewMetrics registers the service metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	increments := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promptstats", Subsystem: "prompts", Name: "increments_total",
	})
	registerer.MustRegister(increments)

	incrementErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "promptstats", Subsystem: "prompts", Name: "increment_errors_total",
	})
	registerer.MustRegister(incrementErrors)

	presenceConns := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptstats", Subsystem: "presence", Name: "connections",
	})
	registerer.MustRegister(presenceConns)

	streamSubs := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptstats", Subsystem: "stream", Name: "subscribers",
	})
	registerer.MustRegister(streamSubs)

	onlineUsers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptstats", Subsystem: "presence", Name: "online_users",
	})
	registerer.MustRegister(onlineUsers)

	generatingUsers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "promptstats", Subsystem: "presence", Name: "generating_users",
	})
	registerer.MustRegister(generatingUsers)

	return &Metrics{
		gatherer:        gatherer,
		increments:      increments,
		incrementErrors: incrementErrors,
		presenceConns:   presenceConns,
		streamSubs:      streamSubs,
		onlineUsers:     onlineUsers,
		generatingUsers: generatingUsers,
	}
}

func (m *Metrics) IncIncrement() {
	m.increments.Inc()
}

func (m *Metrics) IncIncrementError() {
	m.incrementErrors.Inc()
}

func (m *Metrics) IncConn() {
	m.presenceConns.Inc()
}

func (m *Metrics) DecConn() {
	m.presenceConns.Dec()
}

func (m *Metrics) IncStream() {
	m.streamSubs.Inc()
}

func (m *Metrics) DecStream() {
	m.streamSubs.Dec()
}

func (m *Metrics) SetPresence(online, generating int) {
	m.onlineUsers.Set(float64(online))
	m.generatingUsers.Set(float64(generating))
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
