// Package chain holds the narrow contracts the engine consumes from the
// chain-connectivity layer, plus the default adapters: a websocket JSON-RPC
// client for substrate-style chains and an ethclient wrapper for EVM chains.
package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"yield-engine/internal/model"
)

// Caller is the read surface of one chain's RPC connection.
type Caller interface {
	Chain() string
	Call(ctx context.Context, method string, params ...any) (gjson.Result, error)
	Subscribe(ctx context.Context, subMethod, unsubMethod string, params ...any) (<-chan gjson.Result, func(), error)
}

// BalanceSource exposes the external balance-query capability.
type BalanceSource interface {
	Transferable(ctx context.Context, address, assetSlug string) (decimal.Decimal, error)
}

// XcmBuilder builds cross-chain transfers; used only by the XCM step.
type XcmBuilder interface {
	EstimateFee(ctx context.Context, origin, dest, assetSlug string) (decimal.Decimal, error)
	BuildTransfer(ctx context.Context, origin, dest, assetSlug, recipient string, amount decimal.Decimal) (*model.UnsignedTransaction, error)
}

// Asset describes one on-chain asset the engine can touch.
type Asset struct {
	Slug            string
	Symbol          string
	Chain           string
	Decimals        int
	MinBalance      decimal.Decimal
	ContractAddress string
	IsNative        bool
}

// Entry pairs a chain's static description with its live connections.
type Entry struct {
	Slug        string
	Kind        model.ChainKind
	NativeAsset string
	Caller      Caller
	EVM         *EVMClient

	active bool
	ready  chan struct{}
	once   sync.Once
}

// Registry tracks chains, their assets, activation state, and readiness.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*Entry
	assets map[string]Asset
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[string]*Entry),
		assets: make(map[string]Asset),
	}
}

// RegisterChain adds or replaces a chain entry.
func (r *Registry) RegisterChain(e *Entry) {
	if e.ready == nil {
		e.ready = make(chan struct{})
	}
	r.mu.Lock()
	r.chains[e.Slug] = e
	r.mu.Unlock()
}

// RegisterAsset adds or replaces an asset.
func (r *Registry) RegisterAsset(a Asset) {
	r.mu.Lock()
	r.assets[a.Slug] = a
	r.mu.Unlock()
}

// Chain returns the entry for a chain slug.
func (r *Registry) Chain(slug string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[slug]
	return e, ok
}

// Asset returns the asset for a slug.
func (r *Registry) Asset(slug string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[slug]
	return a, ok
}

// NativeAsset resolves a chain's native asset.
func (r *Registry) NativeAsset(chainSlug string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[chainSlug]
	if !ok {
		return Asset{}, false
	}
	a, ok := r.assets[e.NativeAsset]
	return a, ok
}

// ActiveChains lists slugs of currently active chains.
func (r *Registry) ActiveChains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for slug, e := range r.chains {
		if e.active {
			out = append(out, slug)
		}
	}
	return out
}

// IsActive reports one chain's activation state.
func (r *Registry) IsActive(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[slug]
	return ok && e.active
}

// SetActive toggles a chain; activating also marks it ready once a caller
// exists, matching the connectivity layer's "chain is ready" signal.
func (r *Registry) SetActive(slug string, active bool) {
	r.mu.Lock()
	e, ok := r.chains[slug]
	if ok {
		e.active = active
	}
	r.mu.Unlock()
	if ok && active {
		r.MarkReady(slug)
	}
}

// MarkReady signals that a chain's connection is usable.
func (r *Registry) MarkReady(slug string) {
	r.mu.RLock()
	e, ok := r.chains[slug]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.once.Do(func() { close(e.ready) })
}

// WaitReady blocks until the chain signals readiness or ctx expires.
func (r *Registry) WaitReady(ctx context.Context, slug string) error {
	r.mu.RLock()
	e, ok := r.chains[slug]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chain %s not registered", slug)
	}
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return &model.ChainError{Chain: slug, Err: ctx.Err()}
	}
}
