package handlers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// LiquidHandler implements liquid staking on substrate chains: joining mints
// a derivative token at the current exchange rate, rewards accrue through the
// rate, and leaving either queues a redeem or swaps out instantly under the
// slippage floor. Claiming rewards is structurally meaningless here.
type LiquidHandler struct {
	mintedBase

	rateMu   sync.RWMutex
	lastRate decimal.Decimal
}

// NewLiquid constructs a liquid-staking handler. slippage is the minimum-
// output fraction applied to redeem quotes.
func NewLiquid(symbol, chainSlug string, metadata model.YieldPoolMetadata, slippage decimal.Decimal, deps Deps) *LiquidHandler {
	h := &LiquidHandler{
		mintedBase: newMintedBase(symbol, model.LiquidStaking, chainSlug, metadata, slippage, deps),
	}
	h.exchangeRate = h.fetchExchangeRate
	h.decorate = h.attachUnlocks
	h.submit = submitSpec{Type: model.StepMintDerivate, Name: "Mint derivative token", Fee: h.estimateSubmitFee}
	h.chainStatistic = h.fetchChainStatistic
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildMint
	return h
}

func (h *LiquidHandler) fetchChainStatistic(ctx context.Context) (*model.YieldPoolStatistic, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "liquidStaking_overview", h.inputAsset)
	if err != nil {
		return nil, err
	}

	stat := &model.YieldPoolStatistic{}
	stat.MinJoinPool = decimalField(res, "min_mint")
	stat.MinWithdrawal = decimalField(res, "min_redeem")
	stat.UnstakingPeriodHours = res.Get("unlock_duration_hours").Int()
	stat.MaxWithdrawalRequests = int(res.Get("max_unlock_requests").Int())

	if rate := decimalField(res, "exchange_rate"); rate.IsPositive() {
		h.rateMu.Lock()
		h.lastRate = rate
		h.rateMu.Unlock()
	}
	return stat, nil
}

// fetchExchangeRate returns the cached rate from the last statistics refresh,
// falling back to a direct query when none is cached yet.
func (h *LiquidHandler) fetchExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	h.rateMu.RLock()
	cached := h.lastRate
	h.rateMu.RUnlock()
	if cached.IsPositive() {
		return cached, nil
	}

	call, err := h.caller()
	if err != nil {
		return decimal.Zero, err
	}
	res, err := call(ctx, "liquidStaking_exchangeRate", h.inputAsset)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(res.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange rate %q: %w", res.String(), err)
	}

	h.rateMu.Lock()
	h.lastRate = rate
	h.rateMu.Unlock()
	return rate, nil
}

func (h *LiquidHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	call, err := h.caller()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	res, err := call(ctx, "payment_estimateFee", "liquidStaking", "mint", params.Amount.StringFixed(0))
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.YieldTokenBaseInfo{}, fmt.Errorf("fee quote %q: %w", res.String(), err)
	}
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition polls derivative balances and layers the redeem
// unlock queue on top of each position.
func (h *LiquidHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	return h.subscribeDerivativePositions(ctx, addresses, emit)
}

func (h *LiquidHandler) attachUnlocks(ctx context.Context, pos *model.YieldPositionInfo) error {
	unlocks, err := h.fetchUnlocks(ctx, pos.Address)
	if err != nil {
		return err
	}
	pos.Unstakings = unlocks
	pos.Normalize()
	if pos.ActiveStake.IsZero() && pos.TotalStake.IsPositive() {
		pos.Status = model.NotEarning
	}
	return nil
}

func (h *LiquidHandler) fetchUnlocks(ctx context.Context, address string) ([]model.UnstakingInfo, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "liquidStaking_queryUserUnlocks", h.inputAsset, address)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var unlocks []model.UnstakingInfo
	for _, item := range res.Array() {
		value, err := decimal.NewFromString(item.Get("value").String())
		if err != nil {
			continue
		}
		entry := model.UnstakingInfo{Chain: h.chainSlug, ClaimableAmount: value}
		if unlockAt := item.Get("unlock_at_ms").Int(); unlockAt > now {
			entry.Status = model.UnstakeUnlocking
			entry.TargetTimestampMs = &unlockAt
		} else {
			entry.Status = model.UnstakeClaimable
		}
		unlocks = append(unlocks, entry)
	}
	return unlocks, nil
}

func (h *LiquidHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	// Minting has no target-dependent rules; the shared submit validation
	// already covers minimum join and fee balance. Only the rate needs to
	// be resolvable.
	if _, err := h.fetchExchangeRate(ctx); err != nil {
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "exchange rate unavailable; try again")}
	}
	return nil
}

func (h *LiquidHandler) buildMint(ctx context.Context, data JoinData) (model.StepResult, error) {
	tx := h.substrateTx("liquidStaking", "mint", h.inputAsset, data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks the redeem amount against the derivative
// position and the chain's minimum.
func (h *LiquidHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	return h.validateMintedLeave(ctx, data)
}

// HandleYieldLeave burns derivative tokens. The default path queues a redeem
// behind the unlock duration; FastLeave swaps out through the stable pool at
// no less than the slippage-floored quote.
func (h *LiquidHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	burn, minOut, err := h.quoteRedeem(ctx, data.Amount)
	if err != nil {
		return model.StepResult{}, err
	}

	var tx *model.UnsignedTransaction
	if data.FastLeave {
		tx = h.substrateTx("stablePool", "swap",
			h.derivativeAsset, h.inputAsset, burn.StringFixed(0), minOut.StringFixed(0))
	} else {
		tx = h.substrateTx("liquidStaking", "redeem", h.inputAsset, burn.StringFixed(0))
	}
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw claims every unlock entry that has matured.
func (h *LiquidHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	unlocks, err := h.fetchUnlocks(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	for _, u := range unlocks {
		if u.Status == model.UnstakeClaimable {
			tx := h.substrateTx("liquidStaking", "claimUnlocked", h.inputAsset)
			return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
		}
	}
	return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "nothing is claimable yet")
}

// HandleYieldCancelUnstake re-mints a pending unlock entry back into the
// derivative position.
func (h *LiquidHandler) HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error) {
	unlocks, err := h.fetchUnlocks(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	if unstakeIndex < 0 || unstakeIndex >= len(unlocks) {
		return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "no pending unlock at index %d", unstakeIndex)
	}
	tx := h.substrateTx("liquidStaking", "rebondByUnlockId", h.inputAsset, strconv.Itoa(unstakeIndex))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*LiquidHandler)(nil)
