package chatsync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Listener observes every action after its reducer has run.
type Listener func(a Action)

// Store is the single source of truth for chat state. Reducers run one at a
// time; readers get copies through the selector methods in selectors.go.
type Store struct {
	mu     sync.RWMutex
	st     *state
	logger zerolog.Logger

	subMu     sync.RWMutex
	listeners []subscription
	nextID    int
}

type subscription struct {
	id int
	fn Listener
}

type StoreOption func(*Store)

// WithStoreLogger sets where recovered listener panics are reported.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		st:     newState(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch applies a to the state and then notifies listeners.
func (s *Store) Dispatch(a Action) {
	if a == nil {
		return
	}
	s.mu.Lock()
	a.apply(s.st)
	s.mu.Unlock()

	s.emit(a)
}

// Subscribe registers l and returns a function that removes it. Listeners
// are called in subscription order.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, subscription{id: id, fn: l})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Reset drops all state, keeping subscriptions.
func (s *Store) Reset() {
	s.Dispatch(StateReset{})
}

func (s *Store) emit(a Action) {
	s.subMu.RLock()
	handlers := make([]Listener, len(s.listeners))
	for i, sub := range s.listeners {
		handlers[i] = sub.fn
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		s.notify(h, a)
	}
}

// notify calls one listener. A panicking listener is logged and does not
// stop the others.
func (s *Store) notify(h Listener, a Action) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("action", fmt.Sprintf("%T", a)).
				Interface("panic", r).
				Msg("store listener panicked")
		}
	}()
	h(a)
}

// view runs fn under the read lock.
func (s *Store) view(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}
