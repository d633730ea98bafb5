package store

import (
	"context"
	"sync"

	"github.com/DoyleJ11/planc-backend/internal/engine"
)

// MutateFunc receives a private copy of the current state and returns the
// state to publish, or an error to leave everything untouched.
type MutateFunc func(engine.SessionState) (engine.SessionState, error)

// Store owns one session's state. Mutations are serialized; readers get
// point-in-time copies and subscribers are woken on every commit.
type Store struct {
	writeMu sync.Mutex // serializes Mutate

	mu      sync.RWMutex
	state   engine.SessionState
	version uint64
	subs    map[uint64]chan struct{}
	nextSub uint64
}

func New(initial engine.SessionState) *Store {
	return &Store{
		state:   initial.Clone(),
		version: 1,
		subs:    make(map[uint64]chan struct{}),
	}
}

// Mutate applies f to the current state. On success the result becomes the
// new state and subscribers are notified.
func (s *Store) Mutate(f MutateFunc) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := f(s.Read())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = next.Clone()
	s.version++
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// A wakeup is already pending; the subscriber will read the latest state.
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Read() engine.SessionState {
	state, _ := s.Snapshot()
	return state
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns the current state together with its version.
func (s *Store) Snapshot() (engine.SessionState, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), s.version
}

// Subscribe registers a new subscriber. Its first Next returns the current
// state immediately.
func (s *Store) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return &Subscription{store: s, id: id, notify: ch}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscription is a conflating view of a Store: it never queues states, it
// only remembers which version it saw last.
type Subscription struct {
	store  *Store
	id     uint64
	notify chan struct{}
	seen   uint64
	once   sync.Once
}

// Next blocks until a version newer than the last one returned is published,
// then returns the latest state. Intermediate versions may be skipped.
func (sub *Subscription) Next(ctx context.Context) (engine.SessionState, uint64, error) {
	for {
		state, version := sub.store.Snapshot()
		if version > sub.seen {
			sub.seen = version
			return state, version, nil
		}

		select {
		case <-ctx.Done():
			return engine.SessionState{}, 0, ctx.Err()
		case <-sub.notify:
		}
	}
}

func (sub *Subscription) Close() {
	sub.once.Do(func() { sub.store.unsubscribe(sub.id) })
}
