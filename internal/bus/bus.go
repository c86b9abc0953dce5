// Package bus is the cross-service notification contract the engine consumes.
// The transport is a collaborator; the in-memory implementation here serves
// single-process deployments and tests.
package bus

import "sync"

// EventType enumerates the notifications the engine reacts to.
type EventType string

const (
	AccountRemove    EventType = "account.remove"
	ChainUpdateState EventType = "chain.updateState"
	TransactionDone  EventType = "transaction.done"
)

// Event is one notification.
type Event struct {
	Type    EventType
	Address string
	Chain   string
	// TxType carries the transaction's extrinsic type for transaction.done;
	// pure transfers do not trigger position reloads.
	TxType string
}

// Publisher emits events.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber delivers events; cancel must be safe to call twice.
type Subscriber interface {
	Subscribe() (<-chan Event, func())
}

// Bus combines both sides of the contract.
type Bus interface {
	Publisher
	Subscriber
}

// InMemory is a channel-registry bus.
type InMemory struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// NewInMemory constructs an empty bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[uint64]chan Event)}
}

// Publish delivers to every subscriber without blocking.
func (b *InMemory) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener channel.
func (b *InMemory) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 32)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

var _ Bus = (*InMemory)(nil)
