package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EarningStatus classifies how a position currently earns.
type EarningStatus string

const (
	EarningReward     EarningStatus = "EARNING_REWARD"
	PartiallyEarning  EarningStatus = "PARTIALLY_EARNING"
	NotEarning        EarningStatus = "NOT_EARNING"
	WaitingForEarning EarningStatus = "WAITING"
	NotStaking        EarningStatus = "NOT_STAKING"
)

// UnstakingStatus marks whether a pending withdrawal is already claimable.
type UnstakingStatus string

const (
	UnstakeClaimable UnstakingStatus = "CLAIMABLE"
	UnstakeUnlocking UnstakingStatus = "UNLOCKING"
)

// UnstakingInfo is one pending withdrawal entry. Exactly one of
// WaitingTimeHours or TargetTimestampMs is set, depending on whether the
// chain exposes relative or absolute unlock schedules.
type UnstakingInfo struct {
	Chain             string          `json:"chain"`
	Status            UnstakingStatus `json:"status"`
	ClaimableAmount   decimal.Decimal `json:"claimable_amount"`
	ValidatorAddress  string          `json:"validator_address,omitempty"`
	WaitingTimeHours  *float64        `json:"waiting_time_hours,omitempty"`
	TargetTimestampMs *int64          `json:"target_timestamp_ms,omitempty"`
}

// NominationInfo is the per-target breakdown of a position.
type NominationInfo struct {
	ValidatorAddress  string          `json:"validator_address"`
	ValidatorIdentity string          `json:"validator_identity,omitempty"`
	ActiveStake       decimal.Decimal `json:"active_stake"`
	Status            EarningStatus   `json:"status"`
	HasUnstaking      bool            `json:"has_unstaking"`
	ValidatorMinStake decimal.Decimal `json:"validator_min_stake"`
}

// YieldPositionInfo is one address's participation state in one pool,
// keyed by (Slug, Address).
type YieldPositionInfo struct {
	Slug           string          `json:"slug"`
	Chain          string          `json:"chain"`
	Address        string          `json:"address"`
	Type           PoolType        `json:"type"`
	Status         EarningStatus   `json:"status"`
	ActiveStake    decimal.Decimal `json:"active_stake"`
	TotalStake     decimal.Decimal `json:"total_stake"`
	UnstakeBalance decimal.Decimal `json:"unstake_balance"`
	// DerivativeBalance is the raw derivative-token holding backing the
	// position; zero for families without a minted derivative.
	DerivativeBalance decimal.Decimal  `json:"derivative_balance,omitempty"`
	IsBondedBefore    bool             `json:"is_bonded_before"`
	Nominations       []NominationInfo `json:"nominations,omitempty"`
	Unstakings        []UnstakingInfo  `json:"unstakings,omitempty"`
	UpdatedAt         int64            `json:"updated_at"`
}

// PositionKey builds the composite store key for a position.
func PositionKey(slug, address string) string {
	return slug + "---" + address
}

// EmptyPosition returns the not-staking default used when a persisted record
// is missing or a chain reports no state for an address.
func EmptyPosition(slug, chain, address string, poolType PoolType) YieldPositionInfo {
	return YieldPositionInfo{
		Slug:        slug,
		Chain:       chain,
		Address:     address,
		Type:        poolType,
		Status:      NotStaking,
		ActiveStake: decimal.Zero,
		TotalStake:  decimal.Zero,
	}
}

// Normalize recomputes TotalStake and UnstakeBalance from the active stake and
// unstaking entries, maintaining totalStake = activeStake + sum(claimable).
func (p *YieldPositionInfo) Normalize() {
	unstaking := decimal.Zero
	for _, u := range p.Unstakings {
		unstaking = unstaking.Add(u.ClaimableAmount)
	}
	p.UnstakeBalance = unstaking
	p.TotalStake = p.ActiveStake.Add(unstaking)
}

// CheckStakeInvariant verifies totalStake = activeStake + sum(claimable).
func (p *YieldPositionInfo) CheckStakeInvariant() error {
	sum := p.ActiveStake
	for _, u := range p.Unstakings {
		sum = sum.Add(u.ClaimableAmount)
	}
	if !p.TotalStake.Equal(sum) {
		return fmt.Errorf("position %s: total stake %s != active %s + unstaking %s",
			PositionKey(p.Slug, p.Address), p.TotalStake, p.ActiveStake, sum.Sub(p.ActiveStake))
	}
	return nil
}

// HasUnstakingFor reports whether an unstake request is already pending
// toward the given target.
func (p *YieldPositionInfo) HasUnstakingFor(target string) bool {
	for _, u := range p.Unstakings {
		if u.ValidatorAddress == target {
			return true
		}
	}
	return false
}

// ActiveTowards returns the active stake currently allocated to one target.
func (p *YieldPositionInfo) ActiveTowards(target string) decimal.Decimal {
	for _, n := range p.Nominations {
		if n.ValidatorAddress == target {
			return n.ActiveStake
		}
	}
	return decimal.Zero
}
