package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zkmint/internal/mint"
)

// Metrics is a prometheus registry fed by mint status events. Register it as a
// global orchestrator observer.
type Metrics struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	pendingPolls   prometheus.Counter
	inFlight       prometheus.Gauge
	requests       *prometheus.CounterVec
	rateLimitedReq prometheus.Counter
}

func NewMetrics() *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zkmint_transitions_total",
		Help: "Mint attempt state transitions",
	}, []string{"state"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zkmint_failures_total",
		Help: "Failed mint attempts by failure kind and ledger outcome",
	}, []string{"kind", "outcome"})

	polls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zkmint_pending_polls_total",
		Help: "Status polls that found the transaction still pending, counted when the attempt finishes",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zkmint_attempts_in_flight",
		Help: "Mint attempts between compression and a terminal state",
	})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zkmint_api_requests_total",
		Help: "Mint API requests by outcome",
	}, []string{"status"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zkmint_api_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, failures, polls, inFlight, requests, limited)

	return &Metrics{
		registry:       r,
		transitions:    transitions,
		failures:       failures,
		pendingPolls:   polls,
		inFlight:       inFlight,
		requests:       requests,
		rateLimitedReq: limited,
	}
}

// OnStatus implements mint.Observer.
func (m *Metrics) OnStatus(e mint.StatusEvent) {
	switch {
	case e.State == mint.StateCompressing:
		m.inFlight.Inc()
	case e.State.Terminal():
		// The poll that hits the poll limit emits no Pending event, so the
		// terminal event carries the full count.
		m.pendingPolls.Add(float64(e.PendingPolls))
		// Invalid input fails on the first event, before compression started.
		if e.Seq > 1 {
			m.inFlight.Dec()
		}
		if e.Failure != nil {
			m.failures.WithLabelValues(string(e.Failure.Kind), string(e.Failure.Outcome)).Inc()
		}
	}
	m.transitions.WithLabelValues(string(e.State)).Inc()
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incRequest(status string) {
	m.requests.WithLabelValues(status).Inc()
}

func (m *Metrics) incRateLimited() {
	m.rateLimitedReq.Inc()
}
