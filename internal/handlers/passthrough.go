package handlers

import (
	"context"

	"yield-engine/internal/model"
)

// PassThroughHandler surfaces pools that are managed entirely outside this
// engine: statistics and positions come from the off-chain feed and every
// action is structurally unavailable.
type PassThroughHandler struct {
	BaseHandler
}

// NewPassThrough constructs an information-only handler.
func NewPassThrough(symbol, chainSlug string, metadata model.YieldPoolMetadata, deps Deps) *PassThroughHandler {
	return &PassThroughHandler{
		BaseHandler: newBase(symbol, model.PassThrough, chainSlug, metadata, deps),
	}
}

// SubscribePoolPosition reports feed-indexed positions when a position source
// exists; otherwise the family carries no position state at all.
func (h *PassThroughHandler) SubscribePoolPosition(ctx context.Context, addresses []string, emit func(model.YieldPositionInfo)) (func(), error) {
	if h.deps.Positions == nil {
		return func() {}, nil
	}

	g := newGuard()
	go func() {
		positions, err := h.deps.Positions.PoolPositions(ctx, h.slug, addresses)
		if err != nil {
			h.logger.Warn().Err(err).Msg("feed position fetch failed")
			return
		}
		for _, pos := range positions {
			pos.Type = h.poolType
			pos.Chain = h.chainSlug
			h.emitActive(g, emit, pos)
		}
	}()

	cancel := func() { g.cancel() }
	return cancel, nil
}

// GenerateOptimalPath is unavailable: joining happens on the upstream
// platform, not through this engine.
func (h *PassThroughHandler) GenerateOptimalPath(ctx context.Context, params PathParams) (model.OptimalYieldPath, error) {
	return model.OptimalYieldPath{}, model.ErrUnsupported
}

// ValidateYieldJoin is unavailable.
func (h *PassThroughHandler) ValidateYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath) ([]*model.StakingError, error) {
	return nil, model.ErrUnsupported
}

// HandleYieldJoin is unavailable.
func (h *PassThroughHandler) HandleYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath, currentStep int) (model.StepResult, error) {
	return model.StepResult{}, model.ErrUnsupported
}

// PoolTargets is unavailable.
func (h *PassThroughHandler) PoolTargets(ctx context.Context) ([]model.PoolTarget, error) {
	return nil, model.ErrUnsupported
}

var _ PoolHandler = (*PassThroughHandler)(nil)
