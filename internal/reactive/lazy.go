package reactive

import (
	"sync"
	"time"
)

// Lazy coalesces keyed updates and flushes them in batches. Each Add defers
// the flush by the soft delay, but a burst can never postpone it past the
// hard ceiling measured from the first unflushed Add, which bounds staleness.
type Lazy[T any] struct {
	mu       sync.Mutex
	pending  map[string]T
	soft     time.Duration
	max      time.Duration
	deadline time.Time
	timer    *time.Timer
	flush    func(batch map[string]T)
	stopped  bool
}

// NewLazy constructs a debounce queue. flush is invoked outside the lock
// with the coalesced batch.
func NewLazy[T any](soft, max time.Duration, flush func(batch map[string]T)) *Lazy[T] {
	if max < soft {
		max = soft
	}
	return &Lazy[T]{
		pending: make(map[string]T),
		soft:    soft,
		max:     max,
		flush:   flush,
	}
}

// Add queues one update, replacing any unflushed value for the same key.
func (l *Lazy[T]) Add(key string, val T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}

	if len(l.pending) == 0 {
		l.deadline = time.Now().Add(l.max)
	}
	l.pending[key] = val

	delay := l.soft
	if remaining := time.Until(l.deadline); remaining < delay {
		delay = remaining
		if delay < 0 {
			delay = 0
		}
	}

	if l.timer == nil {
		l.timer = time.AfterFunc(delay, l.fire)
	} else {
		l.timer.Reset(delay)
	}
}

// Flush forces an immediate drain of everything pending.
func (l *Lazy[T]) Flush() {
	l.fire()
}

// Stop drains the queue one final time and refuses further adds.
func (l *Lazy[T]) Stop() {
	l.mu.Lock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	batch := l.take()
	l.mu.Unlock()

	if len(batch) > 0 {
		l.flush(batch)
	}
}

func (l *Lazy[T]) fire() {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	batch := l.take()
	l.mu.Unlock()

	if len(batch) > 0 {
		l.flush(batch)
	}
}

func (l *Lazy[T]) take() map[string]T {
	batch := l.pending
	l.pending = make(map[string]T)
	return batch
}
