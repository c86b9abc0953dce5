package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// RPCXcmBuilder builds cross-chain transfers through the origin chain's
// connectivity layer. The engine only ever uses it for the XCM top-up step.
type RPCXcmBuilder struct {
	registry *Registry
}

// NewXcmBuilder wires an XCM builder over a registry.
func NewXcmBuilder(registry *Registry) *RPCXcmBuilder {
	return &RPCXcmBuilder{registry: registry}
}

// EstimateFee quotes the delivery fee for moving assetSlug from origin to
// dest, in the asset's own base units.
func (x *RPCXcmBuilder) EstimateFee(ctx context.Context, origin, dest, assetSlug string) (decimal.Decimal, error) {
	entry, ok := x.registry.Chain(origin)
	if !ok || entry.Caller == nil {
		return decimal.Zero, &model.ChainError{Chain: origin, Err: fmt.Errorf("no rpc connection")}
	}
	res, err := entry.Caller.Call(ctx, "xcm_estimateDeliveryFee", dest, assetSlug)
	if err != nil {
		return decimal.Zero, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("xcm fee quote %q: %w", res.String(), err)
	}
	return fee, nil
}

// BuildTransfer produces the unsigned xTokens transfer for the top-up.
func (x *RPCXcmBuilder) BuildTransfer(ctx context.Context, origin, dest, assetSlug, recipient string, amount decimal.Decimal) (*model.UnsignedTransaction, error) {
	if _, ok := x.registry.Chain(origin); !ok {
		return nil, fmt.Errorf("chain %s not registered", origin)
	}
	return &model.UnsignedTransaction{
		Chain:     origin,
		ChainKind: model.ChainSubstrate,
		Module:    "xTokens",
		Method:    "transfer",
		Args:      []string{assetSlug, amount.StringFixed(0), dest, recipient},
	}, nil
}

var _ XcmBuilder = (*RPCXcmBuilder)(nil)
