package daemon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/classify"
)

// metrics are the daemon's Prometheus instruments, registered on a
// dedicated registry so tests can run many daemons in one process.
type metrics struct {
	registry *prometheus.Registry

	agents       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	turns        *prometheus.CounterVec
	turnSeconds  prometheus.Histogram
	tokens       *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.agents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_agents",
		Help: "Number of live agents.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	m.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_turns_total",
		Help: "Completed turns by agent and outcome.",
	}, []string{"agent", "outcome"})
	m.turnSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentd_turn_duration_seconds",
		Help:    "Turn latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_tokens_total",
		Help: "Tokens consumed by agent and direction.",
	}, []string{"agent", "direction"})

	m.registry.MustRegister(m.agents, m.httpRequests, m.turns, m.turnSeconds, m.tokens)
	return m
}

// observeTurn records one finished turn.
func (d *Daemon) observeTurn(agentName string, start time.Time, resp *agent.Response, err error) {
	d.metrics.turnSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		ce := classify.Classify(err)
		d.metrics.turns.WithLabelValues(agentName, string(ce.Class)).Inc()
		return
	}
	d.metrics.turns.WithLabelValues(agentName, "ok").Inc()
	if resp != nil {
		d.metrics.tokens.WithLabelValues(agentName, "input").Add(float64(resp.Usage.Input))
		d.metrics.tokens.WithLabelValues(agentName, "output").Add(float64(resp.Usage.Output))
	}
}
