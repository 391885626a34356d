package gateway

import (
	"sync"

	"github.com/google/uuid"

	"cohort.app/auth/internal/core/domain"
)

// broadcaster fans change events out to subscribers. Each subscriber owns a
// goroutine and an unbounded mailbox, so a slow listener never blocks the
// publisher and always observes events in emission order.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]*subscriber)}
}

type subscriber struct {
	id      string
	fn      func(domain.ChangeEvent)
	b       *broadcaster
	mu      sync.Mutex
	cond    *sync.Cond
	pending []domain.ChangeEvent
	closed  bool
	done    chan struct{}
}

func (b *broadcaster) subscribe(fn func(domain.ChangeEvent)) *subscriber {
	s := &subscriber{
		id:   uuid.NewString(),
		fn:   fn,
		b:    b,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

func (b *broadcaster) publish(event domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.enqueue(event)
	}
}

func (b *broadcaster) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) enqueue(event domain.ChangeEvent) {
	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		event := s.pending[0]
		s.pending[0] = domain.ChangeEvent{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.fn(event)
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// ID returns the subscription handle identifier
func (s *subscriber) ID() string { return s.id }

// Unsubscribe stops delivery. Events still queued are dropped; a callback
// already running completes. Safe to call more than once.
func (s *subscriber) Unsubscribe() {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
	s.stop()
}
