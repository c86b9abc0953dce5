package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// DappHandler implements dapp-staking: targets are registered dApps, stake
// is locked then assigned per dApp, and unlocking chunks are claimed after
// the unlocking period.
type DappHandler struct {
	BaseHandler

	chainMin decimal.Decimal
}

// NewDapp constructs a dapp-staking handler.
func NewDapp(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *DappHandler {
	h := &DappHandler{
		BaseHandler: newBase(symbol, model.NativeStaking, chainSlug, metadata, deps),
	}
	h.submit = submitSpec{Type: model.StepNominate, Name: "Lock and stake on dApp", Fee: h.estimateSubmitFee}
	h.chainStatistic = h.fetchChainStatistic
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildLockAndStake
	return h
}

func (h *DappHandler) fetchChainStatistic(ctx context.Context) (*model.YieldPoolStatistic, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "dappStaking_overview")
	if err != nil {
		return nil, err
	}
	stat := &model.YieldPoolStatistic{}
	stat.MinJoinPool = decimalField(res, "min_stake_amount")
	stat.UnstakingPeriodHours = res.Get("unlocking_period_hours").Int()
	stat.MaxWithdrawalRequests = int(res.Get("max_unlocking_chunks").Int())
	h.chainMin = stat.MinJoinPool
	return stat, nil
}

func (h *DappHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	call, err := h.caller()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	res, err := call(ctx, "payment_estimateFee", "dappStaking", "lock", params.Amount.StringFixed(0))
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.YieldTokenBaseInfo{}, fmt.Errorf("fee quote %q: %w", res.String(), err)
	}
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition batches the staker-info query for all addresses.
func (h *DappHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
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

func (h *DappHandler) fetchPositions(ctx context.Context, addresses []string) ([]model.YieldPositionInfo, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "dappStaking_queryStakerInfo", addresses)
	if err != nil {
		return nil, err
	}

	infos := res.Get("stakers").Array()
	now := time.Now().UnixMilli()

	positions := make([]model.YieldPositionInfo, 0, len(addresses))
	for i, address := range addresses {
		pos := model.EmptyPosition(h.slug, h.chainSlug, address, h.poolType)
		pos.UpdatedAt = now

		if i < len(infos) && infos[i].IsObject() {
			info := infos[i]
			for _, s := range info.Get("stakes").Array() {
				stake := decimalField(s, "amount")
				pos.ActiveStake = pos.ActiveStake.Add(stake)
				pos.Nominations = append(pos.Nominations, model.NominationInfo{
					ValidatorAddress: s.Get("dapp").String(),
					ActiveStake:      stake,
					Status:           model.EarningReward,
				})
			}
			pos.IsBondedBefore = pos.ActiveStake.IsPositive() || info.Get("locked").String() != ""

			for _, c := range info.Get("unlocking").Array() {
				amount := decimalField(c, "amount")
				entry := model.UnstakingInfo{Chain: h.chainSlug, ClaimableAmount: amount}
				if unlockAt := c.Get("unlock_at_ms").Int(); unlockAt > now {
					entry.Status = model.UnstakeUnlocking
					entry.TargetTimestampMs = &unlockAt
				} else {
					entry.Status = model.UnstakeClaimable
				}
				pos.Unstakings = append(pos.Unstakings, entry)
			}

			pos.Normalize()
			pos.Status = classifyPosition(&pos, len(pos.Nominations), len(pos.Nominations))
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (h *DappHandler) position(ctx context.Context, address string) (*model.YieldPositionInfo, error) {
	positions, err := h.fetchPositions(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return &positions[0], nil
}

// PoolTargets queries the registered dApp list.
func (h *DappHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "dappStaking_dapps")
	if err != nil {
		return nil, err
	}
	return parseTargets(res.Array())
}

func (h *DappHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not load staker info for join validation")
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "could not load staking state; try again")}
	}
	// dApp staking has no nomination cap; one stake entry per dApp.
	return validateNativeJoin(pos, data.Amount, data.Targets, h.chainMin, 0)
}

func (h *DappHandler) buildLockAndStake(ctx context.Context, data JoinData) (model.StepResult, error) {
	if len(data.Targets) != 1 {
		return model.StepResult{}, fmt.Errorf("dapp staking stakes on exactly one dApp per call")
	}
	dapp := data.Targets[0].Address
	tx := h.substrateTx("utility", "batchAll",
		"dappStaking.lock("+data.Amount.StringFixed(0)+")",
		"dappStaking.stake("+dapp+","+data.Amount.StringFixed(0)+")",
	)
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks the shared native leave rules against the stake
// on one dApp.
func (h *DappHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return nil, err
	}
	scoped := *pos
	scoped.ActiveStake = pos.ActiveTowards(data.Target)
	errs, _ := validateNativeLeave(&scoped, data.Amount, h.chainMin, h.maxWithdrawalRequests())
	return errs, nil
}

// HandleYieldLeave unstakes from the dApp and begins unlocking.
func (h *DappHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	tx := h.substrateTx("utility", "batchAll",
		"dappStaking.unstake("+data.Target+","+data.Amount.StringFixed(0)+")",
		"dappStaking.unlock("+data.Amount.StringFixed(0)+")",
	)
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw claims every unlocked chunk.
func (h *DappHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	for _, u := range pos.Unstakings {
		if u.Status == model.UnstakeClaimable {
			tx := h.substrateTx("dappStaking", "claimUnlocked")
			return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
		}
	}
	return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "nothing is claimable yet")
}

// HandleYieldCancelUnstake relocks the unlocking chunks.
func (h *DappHandler) HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	if unstakeIndex < 0 || unstakeIndex >= len(pos.Unstakings) {
		return model.StepResult{}, fmt.Errorf("unstake entry %d does not exist", unstakeIndex)
	}
	tx := h.substrateTx("dappStaking", "relockUnlocking")
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldClaimReward claims accumulated staker rewards.
func (h *DappHandler) HandleYieldClaimReward(ctx context.Context, address string, restake bool) (model.StepResult, error) {
	tx := h.substrateTx("dappStaking", "claimStakerRewards")
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*DappHandler)(nil)
