package mint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriberDeliversInOrderAndStopsAtTerminal(t *testing.T) {
	rec := newRecorder()
	sub := newSubscriber(rec, []StatusEvent{{Seq: 1, State: StateCompressing}}, discardLogger())
	sub.push(StatusEvent{Seq: 2, State: StateSubmitting})
	sub.push(StatusEvent{Seq: 3, State: StateFailed})
	sub.push(StatusEvent{Seq: 4, State: StateConfirmed})

	events := rec.wait(t)
	<-sub.done
	assert.Equal(t, []State{StateCompressing, StateSubmitting, StateFailed}, states(events))
}

func TestSubscriberCancelStopsDelivery(t *testing.T) {
	rec := newRecorder()
	sub := newSubscriber(rec, nil, discardLogger())
	sub.cancel()

	select {
	case <-sub.done:
	case <-time.After(time.Second):
		t.Fatal("subscriber loop did not exit")
	}
	sub.push(StatusEvent{Seq: 1, State: StateConfirmed})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.events)
}
