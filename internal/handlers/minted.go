package handlers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// mintedBase is the shared machinery of the derivative-minting families:
// joining swaps the input asset for a derivative token, the position is the
// derivative balance converted back through the exchange rate, and redeeming
// quotes an expected output that a slippage floor protects.
type mintedBase struct {
	BaseHandler

	derivativeAsset string
	slippage        decimal.Decimal

	// exchangeRate quotes input-asset units per one derivative unit.
	exchangeRate func(ctx context.Context) (decimal.Decimal, error)
	// decorate lets a family enrich a fetched position (unlock queues and
	// the like) before it is emitted; may be nil.
	decorate func(ctx context.Context, pos *model.YieldPositionInfo) error
}

func newMintedBase(symbol string, poolType model.PoolType, chainSlug string, metadata model.YieldPoolMetadata, slippage decimal.Decimal, deps Deps) mintedBase {
	b := mintedBase{
		BaseHandler: newBase(symbol, poolType, chainSlug, metadata, deps),
		slippage:    slippage,
	}
	if len(metadata.DerivativeAssets) > 0 {
		b.derivativeAsset = metadata.DerivativeAssets[0]
	}
	if b.slippage.LessThanOrEqual(decimal.Zero) || b.slippage.GreaterThan(decimal.NewFromInt(1)) {
		b.slippage = decimal.NewFromFloat(0.985)
	}
	return b
}

// weightedMinAmount applies the slippage floor to a quoted output, rounded
// down so the minimum never exceeds what the quote promises.
func (b *mintedBase) weightedMinAmount(quoted decimal.Decimal) decimal.Decimal {
	return quoted.Mul(b.slippage).Floor()
}

// derivativePosition builds the position from the derivative balance and the
// current exchange rate. Minted families have no unbonding entries of their
// own; the unlock queue, where one exists, is layered on by the family.
func (b *mintedBase) derivativePosition(ctx context.Context, address string) (model.YieldPositionInfo, error) {
	pos := model.EmptyPosition(b.slug, b.chainSlug, address, b.poolType)
	pos.UpdatedAt = time.Now().UnixMilli()

	balance, err := b.transferable(ctx, address, b.derivativeAsset)
	if err != nil {
		return pos, err
	}
	if balance.IsZero() {
		return pos, nil
	}

	rate := decimal.NewFromInt(1)
	if b.exchangeRate != nil {
		quoted, err := b.exchangeRate(ctx)
		if err != nil {
			return pos, err
		}
		if quoted.IsPositive() {
			rate = quoted
		}
	}

	pos.IsBondedBefore = true
	pos.ActiveStake = balance.Mul(rate).Floor()
	pos.DerivativeBalance = balance
	pos.Normalize()
	pos.Status = model.EarningReward
	return pos, nil
}

// subscribeDerivativePositions polls the derivative balances on the refresh
// interval. Balance moves have no dedicated event stream, so the interval is
// the staleness bound.
func (b *mintedBase) subscribeDerivativePositions(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	g := newGuard()
	done := make(chan struct{})

	run := func() {
		for _, address := range addresses {
			if !g.active() {
				return
			}
			pos, err := b.derivativePosition(ctx, address)
			if err != nil {
				b.logger.Warn().Err(err).Str("address", address).Msg("derivative position fetch failed")
				continue
			}
			if b.decorate != nil {
				if err := b.decorate(ctx, &pos); err != nil {
					b.logger.Warn().Err(err).Str("address", address).Msg("position decoration failed")
				}
			}
			b.emitActive(g, emit, pos)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(b.deps.refreshInterval())
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

// quoteRedeem converts a redeem request in input-asset units to the
// derivative amount to burn and the slippage-floored minimum output.
func (b *mintedBase) quoteRedeem(ctx context.Context, amount decimal.Decimal) (burn, minOut decimal.Decimal, err error) {
	rate := decimal.NewFromInt(1)
	if b.exchangeRate != nil {
		rate, err = b.exchangeRate(ctx)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if !rate.IsPositive() {
			return decimal.Zero, decimal.Zero, model.NewStakingError(model.ReasonInvalidAmount, "exchange rate unavailable")
		}
	}
	burn = amount.Div(rate).Ceil()
	minOut = b.weightedMinAmount(amount)
	return burn, minOut, nil
}

func (b *mintedBase) validateMintedLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	pos, err := b.derivativePosition(ctx, data.Address)
	if err != nil {
		return nil, err
	}

	var errs []*model.StakingError
	if !data.Amount.IsPositive() {
		errs = append(errs, model.NewStakingError(model.ReasonInvalidAmount, "amount must be positive"))
		return errs, nil
	}
	if data.Amount.GreaterThan(pos.ActiveStake) {
		errs = append(errs, model.NewStakingError(
			model.ReasonNotEnoughBalance,
			"redeem %s exceeds position %s", data.Amount.String(), pos.ActiveStake.String(),
		))
	}
	if stat := b.lastStatistic(); stat != nil && stat.MinWithdrawal.IsPositive() {
		if data.Amount.LessThan(stat.MinWithdrawal) && data.Amount.LessThan(pos.ActiveStake) {
			errs = append(errs, model.NewStakingError(
				model.ReasonNotEnoughMinWithdraw,
				"minimum redeem is %s", stat.MinWithdrawal.String(),
			))
		}
	}
	return errs, nil
}

func (b *mintedBase) lastStatistic() *model.YieldPoolStatistic {
	b.statMu.RLock()
	defer b.statMu.RUnlock()
	return b.lastStat
}
