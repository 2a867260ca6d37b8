package mint

import (
	"log/slog"
	"sync"
)

// Observer receives the status events of the attempts it is subscribed to, in
// transition order and exactly once each. Calls for one subscription never overlap.
type Observer interface {
	OnStatus(StatusEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StatusEvent)

func (f ObserverFunc) OnStatus(e StatusEvent) { f(e) }

// subscriber decouples one observer from the orchestrator: events are queued
// without blocking and delivered by a dedicated goroutine. The goroutine exits
// after delivering a terminal event or when the subscription is cancelled.
type subscriber struct {
	observer Observer
	logger   *slog.Logger

	mu        sync.Mutex
	queue     []StatusEvent
	cancelled bool

	wake chan struct{}
	done chan struct{}
}

func newSubscriber(o Observer, backlog []StatusEvent, logger *slog.Logger) *subscriber {
	s := &subscriber{
		observer: o,
		logger:   logger,
		queue:    append([]StatusEvent(nil), backlog...),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) push(e StatusEvent) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(e)
		if e.State.Terminal() {
			return
		}
	}
}

func (s *subscriber) deliver(e StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "attempt_id", e.AttemptID, "state", e.State, "panic", r)
		}
	}()
	s.observer.OnStatus(e)
}
