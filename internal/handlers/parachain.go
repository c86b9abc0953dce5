package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// ParachainHandler implements collator-delegation staking: stake is split
// per collator, unstaking is a scheduled request executed after a delay, and
// rewards auto-compound so claim-reward stays unsupported.
type ParachainHandler struct {
	BaseHandler

	maxDelegations int
	chainMin       decimal.Decimal
}

// NewParachain constructs a collator-staking handler.
func NewParachain(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *ParachainHandler {
	h := &ParachainHandler{
		BaseHandler:    newBase(symbol, model.NativeStaking, chainSlug, metadata, deps),
		maxDelegations: 100,
	}
	h.submit = submitSpec{Type: model.StepNominate, Name: "Delegate collator", Fee: h.estimateSubmitFee}
	h.chainStatistic = h.fetchChainStatistic
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildDelegate
	return h
}

func (h *ParachainHandler) fetchChainStatistic(ctx context.Context) (*model.YieldPoolStatistic, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "parachainStaking_overview")
	if err != nil {
		return nil, err
	}

	stat := &model.YieldPoolStatistic{}
	stat.MinJoinPool = decimalField(res, "min_delegation")
	stat.UnstakingPeriodHours = res.Get("delegation_bond_less_delay_hours").Int()
	if n := int(res.Get("max_delegations_per_delegator").Int()); n > 0 {
		h.maxDelegations = n
	}
	h.chainMin = stat.MinJoinPool
	return stat, nil
}

func (h *ParachainHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	call, err := h.caller()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	res, err := call(ctx, "payment_estimateFee", "parachainStaking", "delegate", params.Amount.StringFixed(0))
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.YieldTokenBaseInfo{}, fmt.Errorf("fee quote %q: %w", res.String(), err)
	}
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition batches the delegator-state query for all addresses.
func (h *ParachainHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	return h.subscribeChainHeads(ctx, func(ctx context.Context, g *guard) error {
		positions, err := h.fetchPositions(ctx, addresses)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			h.emitActive(g, emit, pos)
		}
		return nil
	})
}

func (h *ParachainHandler) fetchPositions(ctx context.Context, addresses []string) ([]model.YieldPositionInfo, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "parachainStaking_queryDelegatorStates", addresses)
	if err != nil {
		return nil, err
	}

	states := res.Get("states").Array()
	now := time.Now().UnixMilli()

	positions := make([]model.YieldPositionInfo, 0, len(addresses))
	for i, address := range addresses {
		pos := model.EmptyPosition(h.slug, h.chainSlug, address, h.poolType)
		pos.UpdatedAt = now

		if i < len(states) && states[i].Exists() && states[i].IsObject() {
			state := states[i]
			active := decimal.Zero
			for _, d := range state.Get("delegations").Array() {
				stake := decimalField(d, "amount")
				active = active.Add(stake)
				collator := d.Get("collator").String()
				status := model.EarningReward
				if !d.Get("in_top").Bool() {
					status = model.NotEarning
				}
				pos.Nominations = append(pos.Nominations, model.NominationInfo{
					ValidatorAddress: collator,
					ActiveStake:      stake,
					Status:           status,
					ValidatorMinStake: decimalField(d, "lowest_top_amount"),
				})
			}
			pos.ActiveStake = active
			pos.IsBondedBefore = active.IsPositive()

			for _, r := range state.Get("requests").Array() {
				amount := decimalField(r, "amount")
				entry := model.UnstakingInfo{
					Chain:            h.chainSlug,
					ClaimableAmount:  amount,
					ValidatorAddress: r.Get("collator").String(),
				}
				if unlockAt := r.Get("unlock_at_ms").Int(); unlockAt > now {
					entry.Status = model.UnstakeUnlocking
					entry.TargetTimestampMs = &unlockAt
				} else {
					entry.Status = model.UnstakeClaimable
				}
				pos.Unstakings = append(pos.Unstakings, entry)
				for j := range pos.Nominations {
					if pos.Nominations[j].ValidatorAddress == entry.ValidatorAddress {
						pos.Nominations[j].HasUnstaking = true
					}
				}
			}

			pos.Normalize()
			earning, total := 0, 0
			for _, n := range pos.Nominations {
				total++
				if n.Status == model.EarningReward {
					earning++
				}
			}
			pos.Status = classifyPosition(&pos, earning, total)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (h *ParachainHandler) position(ctx context.Context, address string) (*model.YieldPositionInfo, error) {
	positions, err := h.fetchPositions(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return &positions[0], nil
}

// PoolTargets queries the live collator candidate pool.
func (h *ParachainHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "parachainStaking_candidates")
	if err != nil {
		return nil, err
	}
	return parseTargets(res.Array())
}

func (h *ParachainHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not load delegator state for join validation")
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "could not load staking state; try again")}
	}
	errs := validateNativeJoin(pos, data.Amount, data.Targets, h.chainMin, h.maxDelegations)
	for _, target := range data.Targets {
		if target.IsCrowded {
			errs = append(errs, model.NewStakingError(
				model.ReasonExceedMaxNomination,
				"collator %s is past its delegator cap", target.Address,
			))
		}
	}
	return errs
}

func (h *ParachainHandler) buildDelegate(ctx context.Context, data JoinData) (model.StepResult, error) {
	if len(data.Targets) != 1 {
		return model.StepResult{}, fmt.Errorf("collator staking delegates to exactly one collator per call")
	}
	collator := data.Targets[0].Address

	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return model.StepResult{}, err
	}

	var tx *model.UnsignedTransaction
	if pos.ActiveTowards(collator).IsPositive() {
		tx = h.substrateTx("parachainStaking", "delegatorBondMore", collator, data.Amount.StringFixed(0))
	} else {
		tx = h.substrateTx("parachainStaking", "delegateWithAutoCompound", collator, data.Amount.StringFixed(0), "100")
	}
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks the per-collator leave rules.
func (h *ParachainHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return nil, err
	}

	scoped := *pos
	scoped.ActiveStake = pos.ActiveTowards(data.Target)
	errs, _ := validateNativeLeave(&scoped, data.Amount, h.chainMin, h.maxWithdrawalRequests())
	if pos.HasUnstakingFor(data.Target) {
		errs = append(errs, model.NewStakingError(
			model.ReasonExistingUnstake,
			"a bond-less request toward %s is already scheduled", data.Target,
		))
	}
	return errs, nil
}

// HandleYieldLeave schedules a revoke (full) or bond-less (partial) request.
func (h *ParachainHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return model.StepResult{}, err
	}

	if data.Amount.Equal(pos.ActiveTowards(data.Target)) {
		tx := h.substrateTx("parachainStaking", "scheduleRevokeDelegation", data.Target)
		return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
	}
	tx := h.substrateTx("parachainStaking", "scheduleDelegatorBondLess", data.Target, data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw executes every due delegation request.
func (h *ParachainHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	for _, u := range pos.Unstakings {
		if u.Status == model.UnstakeClaimable {
			tx := h.substrateTx("parachainStaking", "executeDelegationRequest", address, u.ValidatorAddress)
			return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
		}
	}
	return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "nothing is claimable yet")
}

// HandleYieldCancelUnstake cancels one scheduled request.
func (h *ParachainHandler) HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	if unstakeIndex < 0 || unstakeIndex >= len(pos.Unstakings) {
		return model.StepResult{}, fmt.Errorf("unstake entry %d does not exist", unstakeIndex)
	}
	entry := pos.Unstakings[unstakeIndex]
	tx := h.substrateTx("parachainStaking", "cancelDelegationRequest", entry.ValidatorAddress)
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*ParachainHandler)(nil)
