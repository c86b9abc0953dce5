package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// NomPoolHandler implements nomination-pool staking: an account belongs to
// at most one pool at a time, joining requires the pool to be open, and
// unbonded funds pass through the pool's unbonding queue. Pending unbonds
// cannot be re-bonded, so cancel-unstake stays unsupported.
type NomPoolHandler struct {
	BaseHandler

	chainMin decimal.Decimal
}

// NewNomPool constructs a nomination-pool handler.
func NewNomPool(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *NomPoolHandler {
	h := &NomPoolHandler{
		BaseHandler: newBase(symbol, model.NominationPool, chainSlug, metadata, deps),
	}
	h.submit = submitSpec{Type: model.StepJoinNomPool, Name: "Join nomination pool", Fee: h.estimateSubmitFee}
	h.chainStatistic = h.fetchChainStatistic
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildJoin
	return h
}

func (h *NomPoolHandler) fetchChainStatistic(ctx context.Context) (*model.YieldPoolStatistic, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "nominationPools_overview")
	if err != nil {
		return nil, err
	}
	stat := &model.YieldPoolStatistic{}
	stat.MinJoinPool = decimalField(res, "min_join_bond")
	stat.UnstakingPeriodHours = res.Get("bonding_duration_hours").Int()
	stat.MaxWithdrawalRequests = int(res.Get("max_unlocking_chunks").Int())
	h.chainMin = stat.MinJoinPool
	return stat, nil
}

func (h *NomPoolHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
	call, err := h.caller()
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	res, err := call(ctx, "payment_estimateFee", "nominationPools", "join", params.Amount.StringFixed(0))
	if err != nil {
		return model.YieldTokenBaseInfo{}, err
	}
	fee, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.YieldTokenBaseInfo{}, fmt.Errorf("fee quote %q: %w", res.String(), err)
	}
	return model.YieldTokenBaseInfo{Slug: h.feeAsset, Amount: fee}, nil
}

// SubscribePoolPosition batches the pool-member query for all addresses.
func (h *NomPoolHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
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

func (h *NomPoolHandler) fetchPositions(ctx context.Context, addresses []string) ([]model.YieldPositionInfo, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "nominationPools_queryMembers", addresses)
	if err != nil {
		return nil, err
	}

	currentEra := res.Get("current_era").Int()
	eraHours := res.Get("era_hours").Float()
	members := res.Get("members").Array()
	now := time.Now().UnixMilli()

	positions := make([]model.YieldPositionInfo, 0, len(addresses))
	for i, address := range addresses {
		pos := model.EmptyPosition(h.slug, h.chainSlug, address, h.poolType)
		pos.UpdatedAt = now

		if i < len(members) && members[i].IsObject() {
			member := members[i]
			pos.ActiveStake = decimalField(member, "active")
			pos.IsBondedBefore = true

			poolID := member.Get("pool_id").String()
			poolState := member.Get("pool_state").String()
			pos.Nominations = []model.NominationInfo{{
				ValidatorAddress: poolID,
				ActiveStake:      pos.ActiveStake,
				Status:           model.EarningReward,
			}}
			if poolState != "" && poolState != "Open" && poolState != "Blocked" {
				pos.Nominations[0].Status = model.NotEarning
			}

			for _, chunk := range member.Get("unbonding").Array() {
				value, err := decimal.NewFromString(chunk.Get("value").String())
				if err != nil {
					continue
				}
				entry := model.UnstakingInfo{Chain: h.chainSlug, ClaimableAmount: value, ValidatorAddress: poolID}
				if era := chunk.Get("era").Int(); era > currentEra {
					waiting := float64(era-currentEra) * eraHours
					entry.Status = model.UnstakeUnlocking
					entry.WaitingTimeHours = &waiting
				} else {
					entry.Status = model.UnstakeClaimable
				}
				pos.Unstakings = append(pos.Unstakings, entry)
				pos.Nominations[0].HasUnstaking = true
			}

			pos.Normalize()
			pos.Status = classifyPosition(&pos, 1, 1)
			if pos.ActiveStake.IsZero() && pos.TotalStake.IsPositive() {
				pos.Status = model.NotEarning
			}
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (h *NomPoolHandler) position(ctx context.Context, address string) (*model.YieldPositionInfo, error) {
	positions, err := h.fetchPositions(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return &positions[0], nil
}

// PoolTargets lists the chain's nomination pools with their state.
func (h *NomPoolHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "nominationPools_pools")
	if err != nil {
		return nil, err
	}

	var targets []model.PoolTarget
	for _, item := range res.Array() {
		t := model.PoolTarget{
			Address:     item.Get("address").String(),
			Identity:    item.Get("name").String(),
			PoolID:      uint32(item.Get("pool_id").Uint()),
			PoolState:   item.Get("state").String(),
			MemberCount: int(item.Get("member_count").Int()),
			TotalStake:  decimalField(item, "total_stake"),
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// validateJoinRules enforces single membership on top of the shared checks:
// the selected pool must be open and the account must not belong to a
// different pool already.
func (h *NomPoolHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	var errs []*model.StakingError
	if len(data.Targets) != 1 {
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "select exactly one nomination pool")}
	}
	target := data.Targets[0]
	if !target.Open() {
		errs = append(errs, model.NewStakingError(
			model.ReasonInactivePool,
			"pool %d is %s and does not accept new members", target.PoolID, target.PoolState,
		))
	}

	pos, err := h.position(ctx, data.Address)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not load pool membership for join validation")
		return append(errs, model.NewStakingError(model.ReasonInvalidAmount, "could not load staking state; try again"))
	}
	if len(pos.Nominations) > 0 {
		current := pos.Nominations[0].ValidatorAddress
		if current != strconv.FormatUint(uint64(target.PoolID), 10) {
			errs = append(errs, model.NewStakingError(
				model.ReasonExistingUnstake,
				"already a member of pool %s; leave it before joining another", current,
			))
		}
	}
	return errs
}

func (h *NomPoolHandler) buildJoin(ctx context.Context, data JoinData) (model.StepResult, error) {
	if len(data.Targets) != 1 {
		return model.StepResult{}, fmt.Errorf("nomination pools join exactly one pool per call")
	}
	poolID := strconv.FormatUint(uint64(data.Targets[0].PoolID), 10)

	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return model.StepResult{}, err
	}

	var tx *model.UnsignedTransaction
	if pos.IsBondedBefore && pos.ActiveStake.IsPositive() {
		tx = h.substrateTx("nominationPools", "bondExtra", data.Amount.StringFixed(0))
	} else {
		tx = h.substrateTx("nominationPools", "join", data.Amount.StringFixed(0), poolID)
	}
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks the shared leave rules against pool membership.
func (h *NomPoolHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return nil, err
	}
	errs, _ := validateNativeLeave(pos, data.Amount, h.chainMin, h.maxWithdrawalRequests())
	return errs, nil
}

// HandleYieldLeave unbonds from the member's pool.
func (h *NomPoolHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	tx := h.substrateTx("nominationPools", "unbond", data.Address, data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw redeems every claimable unbonding chunk.
func (h *NomPoolHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	for _, u := range pos.Unstakings {
		if u.Status == model.UnstakeClaimable {
			tx := h.substrateTx("nominationPools", "withdrawUnbonded", address, "0")
			return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
		}
	}
	return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "nothing is claimable yet")
}

// HandleYieldClaimReward claims the pending payout; restake bonds it back
// into the pool.
func (h *NomPoolHandler) HandleYieldClaimReward(ctx context.Context, address string, restake bool) (model.StepResult, error) {
	if restake {
		tx := h.substrateTx("nominationPools", "bondExtra", "Rewards")
		return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
	}
	tx := h.substrateTx("nominationPools", "claimPayout")
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*NomPoolHandler)(nil)
