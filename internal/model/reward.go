package model

import "github.com/shopspring/decimal"

// EarningRewardItem is the aggregate reward state of (slug, address).
type EarningRewardItem struct {
	Slug            string          `json:"slug"`
	Address         string          `json:"address"`
	LatestReward    decimal.Decimal `json:"latest_reward"`
	TotalReward     decimal.Decimal `json:"total_reward"`
	UnclaimedReward decimal.Decimal `json:"unclaimed_reward"`
	UpdatedAt       int64           `json:"updated_at"`
}

// EarningRewardHistoryItem is one historical payout, keyed by
// (slug, address, eventIndex).
type EarningRewardHistoryItem struct {
	Slug             string          `json:"slug"`
	Address          string          `json:"address"`
	EventIndex       string          `json:"event_index"`
	BlockTimestampMs int64           `json:"block_timestamp_ms"`
	Amount           decimal.Decimal `json:"amount"`
}

// RewardHistoryKey builds the store key for one payout record.
func RewardHistoryKey(slug, address, eventIndex string) string {
	return slug + "---" + address + "---" + eventIndex
}
