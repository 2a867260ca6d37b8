package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"zkmint/internal/mint"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestMetricsCountsEveryPendingPollOnPollTimeout(t *testing.T) {
	m := NewMetrics()

	// Poll limit of 3: two Pending poll events, then the third pending response
	// fails the attempt without a Pending event of its own.
	events := []mint.StatusEvent{
		{Seq: 1, State: mint.StateCompressing},
		{Seq: 2, State: mint.StateSubmitting},
		{Seq: 3, State: mint.StatePending},
		{Seq: 4, State: mint.StatePending, PendingPolls: 1},
		{Seq: 5, State: mint.StatePending, PendingPolls: 2},
		{Seq: 6, State: mint.StateFailed, PendingPolls: 3, Failure: &mint.Failure{
			Kind:    mint.KindPollTimeout,
			Outcome: mint.OutcomeUnknown,
		}},
	}
	for _, e := range events {
		m.OnStatus(e)
	}

	body := scrape(t, m)
	assert.Contains(t, body, "zkmint_pending_polls_total 3")
	assert.Contains(t, body, `zkmint_failures_total{kind="poll_timeout",outcome="unknown"} 1`)
	assert.Contains(t, body, "zkmint_attempts_in_flight 0")
	assert.Contains(t, body, `zkmint_transitions_total{state="pending"} 3`)
}

func TestMetricsInvalidInputLeavesInFlightUntouched(t *testing.T) {
	m := NewMetrics()
	m.OnStatus(mint.StatusEvent{Seq: 1, State: mint.StateFailed, Failure: &mint.Failure{
		Kind:    mint.KindInvalidInput,
		Outcome: mint.OutcomeNone,
	}})

	body := scrape(t, m)
	assert.Contains(t, body, "zkmint_attempts_in_flight 0")
	assert.Contains(t, body, "zkmint_pending_polls_total 0")
}
