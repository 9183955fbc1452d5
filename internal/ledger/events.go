package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("ledger: subscription closed")

// Subscription is an unbounded, ordered queue of order events with explicit
// acknowledgement. Next keeps returning the head event until Ack is called,
// so a consumer that crashes mid-handling sees the event again.
type Subscription struct {
	name   string
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []domain.OrderEvent
	closed bool
}

func newSubscription(name string) *Subscription {
	return &Subscription{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Next blocks until an event is available and returns the head of the queue
// without removing it.
func (s *Subscription) Next(ctx context.Context) (domain.OrderEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return domain.OrderEvent{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return domain.OrderEvent{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Ack removes the head event. It is a no-op on an empty queue.
func (s *Subscription) Ack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return
	}
	s.queue[0] = domain.OrderEvent{}
	s.queue = s.queue[1:]
}

// Len returns the number of unacknowledged events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops delivery. Pending events remain readable; Next returns
// ErrSubscriptionClosed once they are drained.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Subscription) push(ev domain.OrderEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
