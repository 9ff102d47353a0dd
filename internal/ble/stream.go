package ble

import "sync"

// subscriberSlack is extra channel capacity beyond the replay backlog.
const subscriberSlack = 64

// Stream is a bounded broadcast with replay: each new subscriber first
// receives the last N published values, then everything published after.
// A subscriber whose channel is full misses values rather than blocking
// the publisher.
type Stream[T any] struct {
	mu      sync.RWMutex
	replay  int
	backlog []T
	subs    map[chan T]struct{}
}

// NewStream creates a stream that replays the last replay values.
func NewStream[T any](replay int) *Stream[T] {
	if replay < 0 {
		replay = 0
	}
	return &Stream[T]{
		replay: replay,
		subs:   make(map[chan T]struct{}),
	}
}

// Publish records v in the backlog and fans it out to subscribers.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replay > 0 {
		if len(s.backlog) == s.replay {
			copy(s.backlog, s.backlog[1:])
			s.backlog = s.backlog[:len(s.backlog)-1]
		}
		s.backlog = append(s.backlog, v)
	}
	for ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a channel primed with the backlog, and a cancel
// function that unregisters and closes it.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	return s.subscribe(true)
}

// SubscribeLive is Subscribe without the backlog: the channel only
// receives values published after the call.
func (s *Stream[T]) SubscribeLive() (<-chan T, func()) {
	return s.subscribe(false)
}

func (s *Stream[T]) subscribe(replay bool) (<-chan T, func()) {
	s.mu.Lock()
	ch := make(chan T, s.replay+subscriberSlack)
	if replay {
		for _, v := range s.backlog {
			ch <- v
		}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Latest returns the most recently published value still in the backlog.
func (s *Stream[T]) Latest() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if len(s.backlog) == 0 {
		return zero, false
	}
	return s.backlog[len(s.backlog)-1], true
}

// Snapshot returns a copy of the backlog, oldest first.
func (s *Stream[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// Len returns the current subscriber count.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
