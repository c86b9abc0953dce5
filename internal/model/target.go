package model

import "github.com/shopspring/decimal"

// PoolTarget describes one nominable target: a validator, collator, dApp, or
// nomination pool depending on the protocol family.
type PoolTarget struct {
	Address           string          `json:"address"`
	Identity          string          `json:"identity,omitempty"`
	Commission        decimal.Decimal `json:"commission"`
	TotalStake        decimal.Decimal `json:"total_stake"`
	OwnStake          decimal.Decimal `json:"own_stake"`
	OtherStake        decimal.Decimal `json:"other_stake"`
	MinStake          decimal.Decimal `json:"min_stake"`
	NominatorCount    int             `json:"nominator_count"`
	MaxNominatorCount int             `json:"max_nominator_count"`
	IsCrowded         bool            `json:"is_crowded"`
	Blocked           bool            `json:"blocked"`
	Verified          bool            `json:"verified"`
	ExpectedReturn    decimal.Decimal `json:"expected_return"`

	// Nomination-pool targets only.
	PoolID      uint32 `json:"pool_id,omitempty"`
	PoolState   string `json:"pool_state,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

// Open reports whether a nomination-pool target accepts new members.
func (t *PoolTarget) Open() bool {
	return t.PoolState == "" || t.PoolState == "Open"
}
