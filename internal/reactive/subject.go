// Package reactive provides the keyed subject stores and debounced queues the
// orchestration service merges handler emissions into. A subject is a map
// with subscriber fan-out; writes are gated per key so out-of-order updates
// resolve by freshness, not arrival order.
package reactive

import "sync"

// Subject is a keyed store broadcasting accepted updates to subscribers.
// The newer gate decides whether an incoming value may replace the stored
// one; a nil gate means every write wins.
type Subject[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	newer   func(old, incoming T) bool
	subs    map[uint64]chan map[string]T
	nextSub uint64
	bufSize int
}

// NewSubject constructs a subject with the given replacement gate.
func NewSubject[T any](newer func(old, incoming T) bool) *Subject[T] {
	return &Subject[T]{
		items:   make(map[string]T),
		newer:   newer,
		subs:    make(map[uint64]chan map[string]T),
		bufSize: 64,
	}
}

// Upsert applies one update and reports whether it was accepted.
func (s *Subject[T]) Upsert(key string, val T) bool {
	accepted := s.UpsertMany(map[string]T{key: val})
	return len(accepted) == 1
}

// UpsertMany applies a batch, returning the subset that passed the gate.
// Accepted entries are broadcast to every subscriber as one delta map.
func (s *Subject[T]) UpsertMany(batch map[string]T) map[string]T {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	accepted := make(map[string]T, len(batch))
	for key, val := range batch {
		if old, ok := s.items[key]; ok && s.newer != nil && !s.newer(old, val) {
			continue
		}
		s.items[key] = val
		accepted[key] = val
	}
	s.mu.Unlock()

	if len(accepted) > 0 {
		s.broadcast(accepted)
	}
	return accepted
}

// Get returns the stored value for key.
func (s *Subject[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Snapshot copies the current contents.
func (s *Subject[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]T, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// Len returns the number of stored entries.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Delete removes keys matching the predicate and returns how many fell.
func (s *Subject[T]) Delete(match func(key string, val T) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, v := range s.items {
		if match(k, v) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

// Reset drops every entry.
func (s *Subject[T]) Reset() {
	s.mu.Lock()
	s.items = make(map[string]T)
	s.mu.Unlock()
}

// Subscribe registers a listener for accepted update batches. The returned
// cancel is safe to call more than once.
func (s *Subject[T]) Subscribe() (<-chan map[string]T, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan map[string]T, s.bufSize)
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// broadcast delivers without blocking; a subscriber that stopped draining
// loses deltas rather than stalling the writers.
func (s *Subject[T]) broadcast(delta map[string]T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- delta:
		default:
		}
	}
}
