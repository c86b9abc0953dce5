package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PoolType enumerates the supported protocol families.
type PoolType string

const (
	NativeStaking  PoolType = "NATIVE_STAKING"
	NominationPool PoolType = "NOMINATION_POOL"
	LiquidStaking  PoolType = "LIQUID_STAKING"
	Lending        PoolType = "LENDING"
	PassThrough    PoolType = "PASS_THROUGH"
)

// YieldPoolMetadata carries display and routing information for a pool.
type YieldPoolMetadata struct {
	ShortName        string   `json:"short_name"`
	Description      string   `json:"description"`
	InputAsset       string   `json:"input_asset"`
	AltInputAssets   []string `json:"alt_input_assets,omitempty"`
	DerivativeAssets []string `json:"derivative_assets,omitempty"`
	RewardAssets     []string `json:"reward_assets,omitempty"`
	FeeAssets        []string `json:"fee_assets,omitempty"`
	IsAvailable      bool     `json:"is_available"`
	MaintainAsset    string   `json:"maintain_asset,omitempty"`
}

// YieldPoolStatistic is the mutable statistics block of a pool. LastUpdated
// gates every overwrite: an older update never replaces a newer one.
type YieldPoolStatistic struct {
	TotalAPY              *decimal.Decimal `json:"total_apy,omitempty"`
	TotalAPR              *decimal.Decimal `json:"total_apr,omitempty"`
	TVL                   *decimal.Decimal `json:"tvl,omitempty"`
	MinJoinPool           decimal.Decimal  `json:"min_join_pool"`
	MinWithdrawal         decimal.Decimal  `json:"min_withdrawal"`
	UnstakingPeriodHours  int64            `json:"unstaking_period_hours"`
	MaxWithdrawalRequests int              `json:"max_withdrawal_requests"`
	EarningThreshold      decimal.Decimal  `json:"earning_threshold"`
	LastUpdated           int64            `json:"last_updated"`
}

// YieldPoolInfo describes one (chain, protocol, asset) earning opportunity.
type YieldPoolInfo struct {
	Slug      string              `json:"slug"`
	Chain     string              `json:"chain"`
	Type      PoolType            `json:"type"`
	Metadata  YieldPoolMetadata   `json:"metadata"`
	Statistic *YieldPoolStatistic `json:"statistic,omitempty"`
}

// PoolSlug derives the globally unique pool identifier from asset symbol,
// protocol family, and chain.
func PoolSlug(symbol string, poolType PoolType, chain string) string {
	family := strings.ToLower(strings.ReplaceAll(string(poolType), "_", "-"))
	return fmt.Sprintf("%s___%s___%s", strings.ToUpper(symbol), family, chain)
}

// NewerThan reports whether p carries fresher statistics than other. A pool
// without statistics never wins against one that has them.
func (p *YieldPoolInfo) NewerThan(other *YieldPoolInfo) bool {
	if other == nil || other.Statistic == nil {
		return true
	}
	if p.Statistic == nil {
		return false
	}
	return p.Statistic.LastUpdated > other.Statistic.LastUpdated
}

// MinJoin returns the minimum join amount, zero when statistics are absent.
func (p *YieldPoolInfo) MinJoin() decimal.Decimal {
	if p.Statistic == nil {
		return decimal.Zero
	}
	return p.Statistic.MinJoinPool
}
