package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// IndexedHandler is the minimal native-staking style for chains without a
// usable query surface: positions come from an external index polled on the
// refresh interval, not from chain subscriptions. Joining bonds through the
// chain; targets and cancel-unstake are structurally unavailable.
type IndexedHandler struct {
	BaseHandler
}

// NewIndexed constructs an external-index-only native-staking handler.
func NewIndexed(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *IndexedHandler {
	h := &IndexedHandler{
		BaseHandler: newBase(symbol, model.NativeStaking, chainSlug, metadata, deps),
	}
	h.submit = submitSpec{Type: model.StepNominate, Name: "Bond stake", Fee: h.estimateSubmitFee}
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildBond
	return h
}

func (h *IndexedHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	call, err := h.caller()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	res, err := call(ctx, "payment_estimateFee", "staking", "bond", params.Amount.StringFixed(0))
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.YieldTokenBaseInfo{}, fmt.Errorf("fee quote %q: %w", res.String(), err)
	}
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition polls the index on the refresh interval; there is no
// chain-head stream to drive it.
func (h *IndexedHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	if h.deps.Positions == nil {
		return nil, model.ErrUnsupported
	}

	g := newGuard()
	done := make(chan struct{})

	run := func() {
		if !g.active() {
			return
		}
		positions, err := h.deps.Positions.PoolPositions(ctx, h.slug, addresses)
		if err != nil {
			h.logger.Warn().Err(err).Msg("index position fetch failed")
			return
		}
		for _, pos := range positions {
			pos.Type = h.poolType
			pos.Chain = h.chainSlug
			h.emitActive(g, emit, pos)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(h.deps.refreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()

	cancel := func() {
		if g.cancel() {
			close(done)
		}
	}
	return cancel, nil
}

// PoolTargets is unavailable without an on-chain validator view.
func (h *IndexedHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	return nil, model.ErrUnsupported
}

func (h *IndexedHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	// Without per-target chain state the minimum-stake check in the base
	// submit validation is the only enforceable rule.
	return nil
}

func (h *IndexedHandler) buildBond(ctx context.Context, data JoinData) (model.StepResult, error) {
	tx := h.substrateTx("staking", "bond", data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks against the indexed position.
func (h *IndexedHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	if h.deps.Positions == nil {
		return nil, model.ErrUnsupported
	}
	positions, err := h.deps.Positions.PoolPositions(ctx, h.slug, []string{data.Address})
	if err != nil {
		return nil, err
	}
	errs, _ := validateNativeLeave(&positions[0], data.Amount, h.minJoin(), 0)
	return errs, nil
}

// HandleYieldLeave unbonds.
func (h *IndexedHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	tx := h.substrateTx("staking", "unbond", data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw redeems unbonded funds.
func (h *IndexedHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	tx := h.substrateTx("staking", "withdrawUnbonded", "0")
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*IndexedHandler)(nil)
