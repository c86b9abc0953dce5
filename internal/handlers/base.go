package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-engine/internal/feeds"
	"yield-engine/internal/model"
)

// submitSpec describes the terminal submission step of a pool's join path.
type submitSpec struct {
	Type model.StepType
	Name string
	// Fee estimates the submission fee; a ChainError degrades planning into
	// a connection-error path instead of failing it.
	Fee func(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, error)
}

// approvalSpec marks an EVM pool that needs an allowance before submitting.
type approvalSpec struct {
	TokenContract string
	Spender       string
}

// BaseHandler carries the state and behaviour shared by every protocol
// family: pool-info subscription on a refresh interval, optimal-path
// construction, and the plan validator. Concrete handlers embed it and fill
// the hook fields.
type BaseHandler struct {
	slug      string
	chainSlug string
	poolType  model.PoolType
	metadata  model.YieldPoolMetadata

	inputAsset    string
	altInputAsset string
	feeAsset      string

	deps   Deps
	logger zerolog.Logger

	statMu   sync.RWMutex
	lastStat *model.YieldPoolStatistic

	submit   submitSpec
	approval *approvalSpec

	// chainStatistic merges chain-derived values (minimum bonds, unbonding
	// duration) into the off-chain statistics; may be nil.
	chainStatistic func(ctx context.Context) (*model.YieldPoolStatistic, error)
	// validateSubmit applies the family's join rules to the submit step.
	validateSubmit func(ctx context.Context, data JoinData) []*model.StakingError
	// buildSubmit produces the submit-step transaction.
	buildSubmit func(ctx context.Context, data JoinData) (model.StepResult, error)
}

func newBase(symbol string, poolType model.PoolType, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) BaseHandler {
	slug := model.PoolSlug(symbol, poolType, chainSlug)
	return BaseHandler{
		slug:       slug,
		chainSlug:  chainSlug,
		poolType:   poolType,
		metadata:   metadata,
		inputAsset: metadata.InputAsset,
		altInputAsset: func() string {
			if len(metadata.AltInputAssets) > 0 {
				return metadata.AltInputAssets[0]
			}
			return ""
		}(),
		feeAsset: func() string {
			if len(metadata.FeeAssets) > 0 {
				return metadata.FeeAssets[0]
			}
			return metadata.InputAsset
		}(),
		deps:   deps,
		logger: deps.Logger.With().Str("component", "pool_handler").Str("slug", slug).Logger(),
	}
}

// Slug returns the pool's globally unique identifier.
func (b *BaseHandler) Slug() string { return b.slug }

// Chain returns the hosting chain's slug.
func (b *BaseHandler) Chain() string { return b.chainSlug }

// Type returns the protocol family.
func (b *BaseHandler) Type() model.PoolType { return b.poolType }

// SubscribePoolInfo emits one pool-info update immediately and then on the
// refresh interval. Fetch errors are logged and swallowed; the subscription
// keeps running.
func (b *BaseHandler) SubscribePoolInfo(ctx context.Context, emit func(model.YieldPoolInfo)) (func(), error) {
	g := newGuard()
	done := make(chan struct{})

	run := func() {
		info := b.buildPoolInfo(ctx)
		if g.active() {
			emit(info)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(b.deps.refreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()

	cancel := func() {
		if g.cancel() {
			close(done)
		}
	}
	return cancel, nil
}

// buildPoolInfo merges off-chain statistics (best-effort, timeout-raced)
// with chain-derived values.
func (b *BaseHandler) buildPoolInfo(ctx context.Context) model.YieldPoolInfo {
	stat := &model.YieldPoolStatistic{LastUpdated: time.Now().UnixMilli()}

	if b.deps.Stats != nil {
		if off := feeds.StatsWithFallback(ctx, b.deps.Stats, b.slug, b.deps.statTimeout(), b.logger); off != nil {
			stat.TotalAPY = off.APY
			stat.TotalAPR = off.APR
			stat.TVL = off.TVL
			if off.MinJoin != nil {
				stat.MinJoinPool = *off.MinJoin
			}
		}
	}

	if b.chainStatistic != nil {
		onchain, err := b.chainStatistic(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("chain statistic fetch failed")
		} else if onchain != nil {
			mergeStatistic(stat, onchain)
		}
	}

	b.statMu.Lock()
	b.lastStat = stat
	b.statMu.Unlock()

	return model.YieldPoolInfo{
		Slug:      b.slug,
		Chain:     b.chainSlug,
		Type:      b.poolType,
		Metadata:  b.metadata,
		Statistic: stat,
	}
}

// minJoin reads the minimum join amount from the most recent statistics.
func (b *BaseHandler) minJoin() decimal.Decimal {
	b.statMu.RLock()
	defer b.statMu.RUnlock()
	if b.lastStat == nil {
		return decimal.Zero
	}
	return b.lastStat.MinJoinPool
}

// maxWithdrawalRequests reads the chain's unstake-entry cap, zero when
// unknown.
func (b *BaseHandler) maxWithdrawalRequests() int {
	b.statMu.RLock()
	defer b.statMu.RUnlock()
	if b.lastStat == nil {
		return 0
	}
	return b.lastStat.MaxWithdrawalRequests
}

func mergeStatistic(dst, src *model.YieldPoolStatistic) {
	if src.MinJoinPool.IsPositive() {
		dst.MinJoinPool = src.MinJoinPool
	}
	if src.MinWithdrawal.IsPositive() {
		dst.MinWithdrawal = src.MinWithdrawal
	}
	if src.UnstakingPeriodHours > 0 {
		dst.UnstakingPeriodHours = src.UnstakingPeriodHours
	}
	if src.MaxWithdrawalRequests > 0 {
		dst.MaxWithdrawalRequests = src.MaxWithdrawalRequests
	}
	if src.EarningThreshold.IsPositive() {
		dst.EarningThreshold = src.EarningThreshold
	}
	if src.TotalAPY != nil {
		dst.TotalAPY = src.TotalAPY
	}
	if src.TotalAPR != nil {
		dst.TotalAPR = src.TotalAPR
	}
	if src.TVL != nil {
		dst.TVL = src.TVL
	}
}

// subscribeChainHeads drives a batched refetch on every new chain head, with
// one immediate refetch up front. The guard is handed to refetch so it can
// gate every emission individually. Refetch errors are logged and swallowed.
func (b *BaseHandler) subscribeChainHeads(ctx context.Context, refetch func(ctx context.Context, g *guard) error) (func(), error) {
	entry, ok := b.deps.Registry.Chain(b.chainSlug)
	if !ok || entry.Caller == nil {
		return nil, &model.ChainError{Chain: b.chainSlug, Err: errNoConnection}
	}

	heads, unsub, err := entry.Caller.Subscribe(ctx, "chain_subscribeNewHeads", "chain_unsubscribeNewHeads")
	if err != nil {
		return nil, err
	}

	g := newGuard()
	run := func() {
		if !g.active() {
			return
		}
		if err := refetch(ctx, g); err != nil {
			b.logger.Warn().Err(err).Msg("position refetch failed")
		}
	}

	go func() {
		run()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-heads:
				if !ok {
					return
				}
				run()
			}
		}
	}()

	cancel := func() {
		if g.cancel() {
			unsub()
		}
	}
	return cancel, nil
}

// emitActive forwards a position through the guard gate.
func (b *BaseHandler) emitActive(g *guard, emit func(model.YieldPositionInfo), pos model.YieldPositionInfo) {
	if g.active() {
		emit(pos)
	}
}

// PoolTargets defaults to the offline feed.
func (b *BaseHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	if b.deps.Stats == nil {
		return nil, model.ErrUnsupported
	}
	return b.deps.Stats.PoolTargets(ctx, b.slug)
}

// Exit-side defaults: a family that cannot perform the action inherits these
// and callers get a distinct unsupported signal, not a failure.

func (b *BaseHandler) ValidateYieldLeave(ctx context.Context, data LeaveData) ([]*model.StakingError, error) {
	return nil, model.ErrUnsupported
}

func (b *BaseHandler) HandleYieldLeave(ctx context.Context, data LeaveData) (model.StepResult, error) {
	return model.StepResult{}, model.ErrUnsupported
}

func (b *BaseHandler) HandleYieldWithdraw(ctx context.Context, address string) (model.StepResult, error) {
	return model.StepResult{}, model.ErrUnsupported
}

func (b *BaseHandler) HandleYieldCancelUnstake(ctx context.Context, address string, unstakeIndex int) (model.StepResult, error) {
	return model.StepResult{}, model.ErrUnsupported
}

func (b *BaseHandler) HandleYieldClaimReward(ctx context.Context, address string, restake bool) (model.StepResult, error) {
	return model.StepResult{}, model.ErrUnsupported
}

// transferable is a convenience over the balance collaborator.
func (b *BaseHandler) transferable(ctx context.Context, address, assetSlug string) (decimal.Decimal, error) {
	return b.deps.Balances.Transferable(ctx, address, assetSlug)
}

// substrateTx builds an unsigned call on the pool's chain.
func (b *BaseHandler) substrateTx(module, method string, args ...string) *model.UnsignedTransaction {
	return &model.UnsignedTransaction{
		Chain:     b.chainSlug,
		ChainKind: model.ChainSubstrate,
		Module:    module,
		Method:    method,
		Args:      args,
	}
}

func (b *BaseHandler) componentLogger(name string) zerolog.Logger {
	return b.logger.With().Str("sub", name).Logger()
}
