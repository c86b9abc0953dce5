// Package handlers implements the per-protocol pool handlers and the step
// plan machinery they share. One handler exists per (chain, protocol) pair;
// all of them satisfy the PoolHandler contract, signaling structurally
// missing capabilities with model.ErrUnsupported instead of failing.
package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-engine/internal/chain"
	"yield-engine/internal/feeds"
	"yield-engine/internal/model"
)

// PathParams are the inputs to optimal-path planning.
type PathParams struct {
	Address string
	Amount  decimal.Decimal
	Targets []string
}

// JoinData carries a join request through validation and execution. Targets
// hold the caller-selected entries with their risk metadata so validation
// does not refetch them.
type JoinData struct {
	Address string
	Amount  decimal.Decimal
	Targets []model.PoolTarget
}

// LeaveData carries an unstake request.
type LeaveData struct {
	Address   string
	Amount    decimal.Decimal
	Target    string
	FastLeave bool
}

// PoolHandler is the capability contract every protocol handler implements.
//
// Both subscription methods return a cancel function; after it runs the
// callback is never invoked again, even when an in-flight fetch resolves
// later. Cancel functions are idempotent.
type PoolHandler interface {
	Slug() string
	Chain() string
	Type() model.PoolType

	SubscribePoolInfo(ctx context.Context, emit func(model.YieldPoolInfo)) (cancel func(), err error)
	SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (cancel func(), err error)

	PoolTargets(ctx context.Context) ([]model.PoolTarget, error)

	GenerateOptimalPath(ctx context.Context, params PathParams) (model.OptimalYieldPath, error)
	ValidateYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath) ([]*model.StakingError, error)
	HandleYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath, currentStep int) (model.StepResult, error)

	ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error)
	HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error)
	HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error)
	HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error)
	HandleYieldClaimReward(ctx context.Context, address string, restake bool) (model.StepResult, error)
}

// Deps bundles the collaborators a handler needs.
type Deps struct {
	Registry  *chain.Registry
	Balances  chain.BalanceSource
	Xcm       chain.XcmBuilder
	Stats     feeds.StatSource
	Positions feeds.PositionSource

	StatTimeout     time.Duration
	RefreshInterval time.Duration

	Logger zerolog.Logger
}

func (d *Deps) statTimeout() time.Duration {
	if d.StatTimeout <= 0 {
		return 5 * time.Second
	}
	return d.StatTimeout
}

func (d *Deps) refreshInterval() time.Duration {
	if d.RefreshInterval <= 0 {
		return 15 * time.Minute
	}
	return d.RefreshInterval
}
