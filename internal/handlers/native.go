package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"yield-engine/internal/model"
)

// validateNativeJoin applies the join rules every native-staking style
// shares: the projected stake toward each selected target must clear both
// the chain minimum and the target minimum, the nomination cap must hold,
// and no unstake request may be pending toward a selected target.
func validateNativeJoin(pos *model.YieldPositionInfo, amount decimal.Decimal, targets []model.PoolTarget, chainMin decimal.Decimal, maxNominations int) []*model.StakingError {
	var errs []*model.StakingError

	existing := make(map[string]bool, len(pos.Nominations))
	for _, n := range pos.Nominations {
		existing[n.ValidatorAddress] = true
	}

	nominationCount := len(pos.Nominations)
	for _, target := range targets {
		if !existing[target.Address] {
			nominationCount++
		}

		minStake := chainMin
		if target.MinStake.GreaterThan(minStake) {
			minStake = target.MinStake
		}
		projected := pos.ActiveTowards(target.Address).Add(amount)
		if projected.LessThan(minStake) {
			errs = append(errs, model.NewStakingError(
				model.ReasonNotEnoughMinStake,
				"not enough minimum stake toward %s: need at least %s", target.Address, minStake.StringFixed(0),
			))
		}

		if pos.HasUnstakingFor(target.Address) {
			errs = append(errs, model.NewStakingError(
				model.ReasonExistingUnstake,
				"an unstake request toward %s is still pending; withdraw it first", target.Address,
			))
		}
	}

	if maxNominations > 0 && nominationCount > maxNominations {
		errs = append(errs, model.NewStakingError(
			model.ReasonExceedMaxNomination,
			"cannot nominate more than %d targets", maxNominations,
		))
	}
	return errs
}

// validateNativeLeave applies the shared leave rules and reports whether the
// request is a full exit.
func validateNativeLeave(pos *model.YieldPositionInfo, amount, chainMin decimal.Decimal, maxUnstakeRequests int) ([]*model.StakingError, bool) {
	var errs []*model.StakingError

	if !amount.IsPositive() {
		errs = append(errs, model.NewStakingError(model.ReasonInvalidAmount, "unstake amount must be positive"))
		return errs, false
	}
	if amount.GreaterThan(pos.ActiveStake) {
		errs = append(errs, model.NewStakingError(
			model.ReasonInvalidAmount,
			"unstake amount exceeds the active stake of %s", pos.ActiveStake.StringFixed(0),
		))
		return errs, false
	}

	remaining := pos.ActiveStake.Sub(amount)
	fullExit := remaining.IsZero()
	if !fullExit && remaining.LessThan(chainMin) {
		errs = append(errs, model.NewStakingError(
			model.ReasonUnstakeAll,
			"remaining stake %s would fall below the minimum of %s; unstake the full amount instead",
			remaining.StringFixed(0), chainMin.StringFixed(0),
		))
	}
	if maxUnstakeRequests > 0 && len(pos.Unstakings) >= maxUnstakeRequests {
		errs = append(errs, model.NewStakingError(
			model.ReasonMaxUnstakeRequests,
			"cannot hold more than %d pending unstake requests", maxUnstakeRequests,
		))
	}
	return errs, fullExit
}

// parseLedgerPosition decodes one staking-ledger payload into a position.
// currentEra and eraHours come from the same batch response so unlock
// schedules are computed against a consistent chain view.
func (b *BaseHandler) parseLedgerPosition(address string, item gjson.Result, currentEra int64, eraHours float64, now int64) model.YieldPositionInfo {
	pos := model.EmptyPosition(b.slug, b.chainSlug, address, b.poolType)
	pos.UpdatedAt = now

	if !item.Exists() || item.Type == gjson.Null {
		return pos
	}

	if active, err := decimal.NewFromString(item.Get("active").String()); err == nil {
		pos.ActiveStake = active
	}
	pos.IsBondedBefore = pos.ActiveStake.IsPositive() || item.Get("total").String() != ""

	for _, chunk := range item.Get("unlocking").Array() {
		value, err := decimal.NewFromString(chunk.Get("value").String())
		if err != nil {
			continue
		}
		entry := model.UnstakingInfo{
			Chain:            b.chainSlug,
			ClaimableAmount:  value,
			ValidatorAddress: chunk.Get("validator").String(),
		}
		if era := chunk.Get("era").Int(); era > currentEra {
			waiting := float64(era-currentEra) * eraHours
			entry.Status = model.UnstakeUnlocking
			entry.WaitingTimeHours = &waiting
		} else {
			entry.Status = model.UnstakeClaimable
		}
		pos.Unstakings = append(pos.Unstakings, entry)
	}

	activeTargets := make(map[string]bool)
	for _, t := range item.Get("active_targets").Array() {
		activeTargets[t.String()] = true
	}
	targets := item.Get("nominations.targets").Array()
	for _, t := range targets {
		addr := t.String()
		status := model.WaitingForEarning
		if activeTargets[addr] {
			status = model.EarningReward
		}
		pos.Nominations = append(pos.Nominations, model.NominationInfo{
			ValidatorAddress: addr,
			Status:           status,
			ActiveStake:      pos.ActiveStake,
			HasUnstaking:     pos.HasUnstakingFor(addr),
		})
	}

	pos.Normalize()
	pos.Status = classifyPosition(&pos, len(activeTargets), len(targets))
	return pos
}

func classifyPosition(pos *model.YieldPositionInfo, activeCount, targetCount int) model.EarningStatus {
	switch {
	case pos.TotalStake.IsZero():
		return model.NotStaking
	case pos.ActiveStake.IsZero():
		return model.NotEarning
	case targetCount == 0:
		return model.NotEarning
	case activeCount == 0:
		return model.WaitingForEarning
	case activeCount < targetCount:
		return model.PartiallyEarning
	default:
		return model.EarningReward
	}
}

// parseTargets decodes a validator/collator list payload.
func parseTargets(items []gjson.Result) ([]model.PoolTarget, error) {
	targets := make([]model.PoolTarget, 0, len(items))
	for _, item := range items {
		address := item.Get("address").String()
		if address == "" {
			return nil, fmt.Errorf("target entry without address")
		}
		t := model.PoolTarget{
			Address:           address,
			Identity:          item.Get("identity").String(),
			NominatorCount:    int(item.Get("nominator_count").Int()),
			MaxNominatorCount: int(item.Get("max_nominator_count").Int()),
			Blocked:           item.Get("blocked").Bool(),
			Verified:          item.Get("verified").Bool(),
		}
		t.Commission = decimalField(item, "commission")
		t.TotalStake = decimalField(item, "total_stake")
		t.OwnStake = decimalField(item, "own_stake")
		t.MinStake = decimalField(item, "min_stake")
		t.ExpectedReturn = decimalField(item, "expected_return")
		t.OtherStake = t.TotalStake.Sub(t.OwnStake)
		t.IsCrowded = t.MaxNominatorCount > 0 && t.NominatorCount >= t.MaxNominatorCount
		targets = append(targets, t)
	}
	return targets, nil
}

func decimalField(item gjson.Result, key string) decimal.Decimal {
	v, err := decimal.NewFromString(item.Get(key).String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

// caller resolves the chain connection, wrapping absence as a ChainError so
// planning can soft-fail on it.
func (b *BaseHandler) caller() (callerFn, error) {
	entry, ok := b.deps.Registry.Chain(b.chainSlug)
	if !ok || entry.Caller == nil {
		return nil, &model.ChainError{Chain: b.chainSlug, Err: errNoConnection}
	}
	return entry.Caller.Call, nil
}

type callerFn func(ctx context.Context, method string, params ...any) (gjson.Result, error)

// emptyResult stands in for a missing ledger; Exists() reports false.
var emptyResult gjson.Result

func joinArgs(items []string) string {
	return strings.Join(items, ",")
}
