package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// RegistryBalanceSource resolves transferable balances through the registry's
// live connections: ERC-20 reads for contract assets, account queries for
// native substrate assets.
type RegistryBalanceSource struct {
	registry *Registry
}

// NewBalanceSource wires a balance source over a registry.
func NewBalanceSource(registry *Registry) *RegistryBalanceSource {
	return &RegistryBalanceSource{registry: registry}
}

// Transferable returns the spendable balance of address in assetSlug.
func (b *RegistryBalanceSource) Transferable(ctx context.Context, address, assetSlug string) (decimal.Decimal, error) {
	asset, ok := b.registry.Asset(assetSlug)
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %s not registered", assetSlug)
	}
	entry, ok := b.registry.Chain(asset.Chain)
	if !ok {
		return decimal.Zero, fmt.Errorf("chain %s not registered", asset.Chain)
	}

	if asset.ContractAddress != "" {
		if entry.EVM == nil {
			return decimal.Zero, &model.ChainError{Chain: asset.Chain, Err: fmt.Errorf("no evm client for contract asset %s", assetSlug)}
		}
		raw, err := entry.EVM.BalanceOf(ctx, asset.ContractAddress, address)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromBigInt(raw, 0), nil
	}

	if entry.Caller == nil {
		return decimal.Zero, &model.ChainError{Chain: asset.Chain, Err: fmt.Errorf("no rpc connection")}
	}
	res, err := entry.Caller.Call(ctx, "system_account", address)
	if err != nil {
		return decimal.Zero, err
	}

	free, ok := new(big.Int).SetString(res.Get("data.free").String(), 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %s: malformed free balance %q", assetSlug, res.Get("data.free").String())
	}
	frozen, ok := new(big.Int).SetString(res.Get("data.frozen").String(), 10)
	if !ok {
		frozen = big.NewInt(0)
	}

	transferable := new(big.Int).Sub(free, frozen)
	if transferable.Sign() < 0 {
		transferable.SetInt64(0)
	}
	return decimal.NewFromBigInt(transferable, 0), nil
}

var _ BalanceSource = (*RegistryBalanceSource)(nil)
