package handlers

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

// Single-asset lending market: supplying mints an interest-bearing share
// token, the exchange rate is 1e18-scaled underlying per share.
const lendingABIJSON = `[
	{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"supply","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"exchangeRateStored","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var lendingABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(lendingABIJSON))
	if err != nil {
		panic("failed to parse lending market ABI: " + err.Error())
	}
	lendingABI = parsed
}

// LendingHandler implements EVM lending: supplying the input asset to a
// market contract mints an interest-bearing share token, and withdrawing
// redeems it immediately with no unlock queue. The supply path needs an
// ERC-20 allowance toward the market, so an approval step precedes it.
type LendingHandler struct {
	mintedBase

	market string
}

// NewLending constructs a lending handler for one market contract. The input
// asset must be registered with its ERC-20 contract address before handlers
// are built, since the approval step is derived from it here.
func NewLending(symbol, chainSlug string, metadata model.YieldPoolMetadata, market string, slippage decimal.Decimal, deps Deps) *LendingHandler {
	h := &LendingHandler{
		mintedBase: newMintedBase(symbol, model.Lending, chainSlug, metadata, slippage, deps),
		market:     market,
	}
	h.exchangeRate = h.fetchExchangeRate
	h.submit = submitSpec{Type: model.StepSupply, Name: "Supply to market", Fee: h.estimateSubmitFee}
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildSupply

	if asset, ok := deps.Registry.Asset(metadata.InputAsset); ok && asset.ContractAddress != "" {
		h.approval = &approvalSpec{TokenContract: asset.ContractAddress, Spender: market}
	}
	return h
}

func (h *LendingHandler) evm() (*chain.EVMClient, error) {
	entry, ok := h.deps.Registry.Chain(h.chainSlug)
	if !ok || entry.EVM == nil {
		return nil, &model.ChainError{Chain: h.chainSlug, Err: errNoConnection}
	}
	return entry.EVM, nil
}

// fetchExchangeRate reads the market's stored exchange rate.
func (h *LendingHandler) fetchExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	client, err := h.evm()
	if err != nil {
		return decimal.Zero, err
	}

	payload, err := lendingABI.Pack("exchangeRateStored")
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := client.CallView(ctx, h.market, payload)
	if err != nil {
		return decimal.Zero, err
	}

	outputs, err := lendingABI.Unpack("exchangeRateStored", raw)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("failed to decode exchange rate")
	}
	return decimal.NewFromBigInt(rate, -18), nil
}

func (h *LendingHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	client, err := h.evm()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}

	payload, err := lendingABI.Pack("supply", params.Amount.BigInt())
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	gas, gasPrice, err := client.EstimateCallGas(ctx, params.Address, h.market, payload)
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}

	fee := decimal.NewFromBigInt(new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice), 0)
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition polls the share-token balances.
func (h *LendingHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	return h.subscribeDerivativePositions(ctx, addresses, emit)
}

func (h *LendingHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	if _, err := h.fetchExchangeRate(ctx); err != nil {
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "lending market unavailable; try again")}
	}
	return nil
}

func (h *LendingHandler) buildSupply(ctx context.Context, data JoinData) (model.StepResult, error) {
	client, err := h.evm()
	if err != nil {
		return model.StepResult{}, err
	}

	payload, err := lendingABI.Pack("supply", data.Amount.BigInt())
	if err != nil {
		return model.StepResult{}, err
	}
	gas, _, err := client.EstimateCallGas(ctx, data.Address, h.market, payload)
	if err != nil {
		return model.StepResult{}, err
	}

	return model.StepResult{
		Tx: &model.UnsignedTransaction{
			Chain:     h.chainSlug,
			ChainKind: model.ChainEVM,
			To:        h.market,
			Data:      hexutil.Encode(payload),
			GasLimit:  gas,
		},
		TransferNativeAmount: decimal.Zero,
	}, nil
}

// ValidateYieldLeave checks the withdraw amount against the supplied
// position.
func (h *LendingHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	return h.validateMintedLeave(ctx, data)
}

// HandleYieldLeave withdraws underlying from the market; redemption is
// immediate, so there is no separate claim step afterwards.
func (h *LendingHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	client, err := h.evm()
	if err != nil {
		return model.StepResult{}, err
	}

	payload, err := lendingABI.Pack("withdraw", data.Amount.BigInt())
	if err != nil {
		return model.StepResult{}, err
	}
	gas, _, err := client.EstimateCallGas(ctx, data.Address, h.market, payload)
	if err != nil {
		return model.StepResult{}, err
	}

	return model.StepResult{
		Tx: &model.UnsignedTransaction{
			Chain:     h.chainSlug,
			ChainKind: model.ChainEVM,
			To:        h.market,
			Data:      hexutil.Encode(payload),
			GasLimit:  gas,
		},
		TransferNativeAmount: decimal.Zero,
	}, nil
}

var _ PoolHandler = (*LendingHandler)(nil)
