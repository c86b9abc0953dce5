package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

// RelayHandler implements relay-chain-style native staking: one bonded
// ledger per account, nominations toward up to maxNominations validators,
// era-based unbonding chunks.
type RelayHandler struct {
	BaseHandler

	maxNominations int

	chainMin decimal.Decimal
}

// NewRelay constructs a relay-chain native-staking handler.
func NewRelay(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *RelayHandler {
	h := &RelayHandler{
		BaseHandler:    newBase(symbol, model.NativeStaking, chainSlug, metadata, deps),
		maxNominations: 16,
	}
	h.submit = submitSpec{Type: model.StepNominate, Name: "Bond and nominate", Fee: h.estimateSubmitFee}
	h.chainStatistic = h.fetchChainStatistic
	h.validateSubmit = h.validateJoinRules
	h.buildSubmit = h.buildBondAndNominate
	return h
}

func (h *RelayHandler) fetchChainStatistic(ctx context.Context) (*model.YieldPoolStatistic, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "staking_overview")
	if err != nil {
		return nil, err
	}

	stat := &model.YieldPoolStatistic{}
	stat.MinJoinPool = decimalField(res, "min_nominator_bond")
	stat.UnstakingPeriodHours = res.Get("bonding_duration_hours").Int()
	stat.MaxWithdrawalRequests = int(res.Get("max_unlocking_chunks").Int())
	if n := int(res.Get("max_nominations").Int()); n > 0 {
		h.maxNominations = n
	}
	h.chainMin = stat.MinJoinPool
	return stat, nil
}

func (h *RelayHandler) estimateSubmitFee(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error) {
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

// SubscribePoolPosition watches a batch of addresses, refetching the whole
// batch per new head. Emissions follow input order; the chain exposes a
// batched ledger query so one round trip covers all addresses.
func (h *RelayHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
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

func (h *RelayHandler) fetchPositions(ctx context.Context, addresses []string) ([]model.YieldPositionInfo, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "staking_queryLedgers", addresses)
	if err != nil {
		return nil, err
	}

	currentEra := res.Get("current_era").Int()
	eraHours := res.Get("era_hours").Float()
	ledgers := res.Get("ledgers").Array()
	now := time.Now().UnixMilli()

	positions := make([]model.YieldPositionInfo, 0, len(addresses))
	for i, address := range addresses {
		var item = emptyResult
		if i < len(ledgers) {
			item = ledgers[i]
		}
		positions = append(positions, h.parseLedgerPosition(address, item, currentEra, eraHours, now))
	}
	return positions, nil
}

func (h *RelayHandler) position(ctx context.Context, address string) (*model.YieldPositionInfo, error) {
	positions, err := h.fetchPositions(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return &positions[0], nil
}

// PoolTargets queries the live validator set.
func (h *RelayHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	call, err := h.caller()
	if err != nil {
		return nil, err
	}
	res, err := call(ctx, "staking_validators")
	if err != nil {
		return nil, err
	}
	return parseTargets(res.Array())
}

func (h *RelayHandler) validateJoinRules(ctx context.Context, data JoinData) []*model.StakingError {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not load position for join validation")
		return []*model.StakingError{model.NewStakingError(model.ReasonInvalidAmount, "could not load staking state; try again")}
	}
	return validateNativeJoin(pos, data.Amount, data.Targets, h.chainMin, h.maxNominations)
}

func (h *RelayHandler) buildBondAndNominate(ctx context.Context, data JoinData) (model.StepResult, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return model.StepResult{}, err
	}

	targets := make([]string, len(data.Targets))
	for i, t := range data.Targets {
		targets[i] = t.Address
	}

	bondMethod := "bond"
	if pos.IsBondedBefore {
		bondMethod = "bondExtra"
	}
	tx := h.substrateTx("utility", "batchAll",
		"staking."+bondMethod+"("+data.Amount.StringFixed(0)+")",
		"staking.nominate("+joinArgs(targets)+")",
	)
	return model.StepResult{Tx: tx, TransferNativeAmount: data.Amount}, nil
}

// ValidateYieldLeave checks the shared native leave rules.
func (h *RelayHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return nil, err
	}
	errs, _ := validateNativeLeave(pos, data.Amount, h.chainMin, h.maxWithdrawalRequests())
	return errs, nil
}

// HandleYieldLeave produces a full exit (chill + unbond everything) when the
// requested amount clears the ledger, otherwise a partial unbond.
func (h *RelayHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	pos, err := h.position(ctx, data.Address)
	if err != nil {
		return model.StepResult{}, err
	}

	if data.Amount.Equal(pos.ActiveStake) {
		tx := h.substrateTx("utility", "batchAll",
			"staking.chill()",
			"staking.unbond("+pos.ActiveStake.StringFixed(0)+")",
		)
		return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
	}
	tx := h.substrateTx("staking", "unbond", data.Amount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldWithdraw redeems every claimable unlock chunk.
func (h *RelayHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	claimable := decimal.Zero
	for _, u := range pos.Unstakings {
		if u.Status == model.UnstakeClaimable {
			claimable = claimable.Add(u.ClaimableAmount)
		}
	}
	if claimable.IsZero() {
		return model.StepResult{}, model.NewStakingError(model.ReasonInvalidAmount, "nothing is claimable yet")
	}
	tx := h.substrateTx("staking", "withdrawUnbonded", "0")
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldCancelUnstake rebonds one pending unlock chunk.
func (h *RelayHandler) HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error) {
	pos, err := h.position(ctx, address)
	if err != nil {
		return model.StepResult{}, err
	}
	if unstakeIndex < 0 || unstakeIndex >= len(pos.Unstakings) {
		return model.StepResult{}, fmt.Errorf("unstake entry %d does not exist", unstakeIndex)
	}
	entry := pos.Unstakings[unstakeIndex]
	tx := h.substrateTx("staking", "rebond", entry.ClaimableAmount.StringFixed(0))
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

// HandleYieldClaimReward triggers a payout; restake re-bonds the reward by
// switching the payee first.
func (h *RelayHandler) HandleYieldClaimReward(ctx context.Context, address string, restake bool) (model.StepResult, error) {
	if restake {
		tx := h.substrateTx("utility", "batchAll",
			"staking.setPayee(Staked)",
			"staking.payoutStakers("+address+")",
		)
		return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
	}
	tx := h.substrateTx("staking", "payoutStakers", address)
	return model.StepResult{Tx: tx, TransferNativeAmount: decimal.Zero}, nil
}

var _ PoolHandler = (*RelayHandler)(nil)
