package mint

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zkmint/internal/proofsvc"
)

// attempt is the orchestrator-owned unit of work. Only the attempt's run
// goroutine mutates snap; the mutex exists so readers get consistent copies.
type attempt struct {
	id       string
	metadata []byte
	supplied *proofsvc.Artifact
	cancel   context.CancelFunc

	mu          sync.Mutex
	snap        Snapshot
	events      []StatusEvent
	subscribers []*subscriber
	// submitted is set just before Submit is called; cancellation after that
	// point can no longer promise that nothing reached the ledger.
	submitted bool

	done     chan struct{}
	doneOnce sync.Once
}

func newAttempt(id string, metadata []byte, recipient common.Address, supplied *proofsvc.Artifact, now time.Time) *attempt {
	md := append([]byte(nil), metadata...)
	return &attempt{
		id:       id,
		metadata: md,
		supplied: supplied,
		snap: Snapshot{
			ID:        id,
			Metadata:  append([]byte(nil), md...),
			Recipient: recipient,
			State:     StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
}

func (a *attempt) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.clone()
}

func (a *attempt) state() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.State
}

// update mutates counters without emitting an event. Ignored once terminal.
func (a *attempt) update(fn func(*Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snap.State.Terminal() {
		return
	}
	fn(&a.snap)
}

func (a *attempt) markSubmitted() {
	a.mu.Lock()
	a.submitted = true
	a.mu.Unlock()
}

func (a *attempt) wasSubmitted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitted
}

// subscribe registers a subscriber seeded with every event emitted so far. Done
// under the attempt lock so no event is missed or duplicated.
func (a *attempt) subscribe(newSub func(backlog []StatusEvent) *subscriber) *subscriber {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub := newSub(a.events)
	a.subscribers = append(a.subscribers, sub)
	return sub
}

func (a *attempt) unsubscribe(sub *subscriber) {
	a.mu.Lock()
	for i, s := range a.subscribers {
		if s == sub {
			a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	sub.cancel()
}

func (a *attempt) subscriberList() []*subscriber {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*subscriber(nil), a.subscribers...)
}

func (a *attempt) markDone() {
	a.doneOnce.Do(func() { close(a.done) })
}
