package handlers

import "sync"

// guard is the cooperative cancellation flag every subscription captures.
// Emissions check active() first, so a fetch resolving after cancellation
// can no longer reach the callback.
type guard struct {
	mu   sync.Mutex
	done bool
}

func newGuard() *guard {
	return &guard{}
}

func (g *guard) active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.done
}

// cancel flips the flag, returning true only on the first call.
func (g *guard) cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	return true
}
