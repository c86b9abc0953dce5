// Package earning is the orchestration service: it builds the handler
// registry from the static chain catalog, fans handler emissions into the
// reactive stores, persists them through debounced queues, and exposes the
// join/exit pipelines to callers.
package earning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-engine/internal/bus"
	"yield-engine/internal/chain"
	"yield-engine/internal/config"
	"yield-engine/internal/feeds"
	"yield-engine/internal/handlers"
	"yield-engine/internal/model"
	"yield-engine/internal/reactive"
	"yield-engine/internal/scheduler"
	"yield-engine/internal/storage"
)

// Storage is the persistence surface the service needs.
type Storage interface {
	storage.PoolStore
	storage.PositionStore
	storage.StatSampleStore
}

// Service orchestrates the pool handlers.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry *chain.Registry
	balances chain.BalanceSource
	xcm      chain.XcmBuilder
	feed     *feeds.Feed
	store    Storage
	events   bus.Bus

	pools     *reactive.Subject[model.YieldPoolInfo]
	positions *reactive.Subject[model.YieldPositionInfo]
	poolQueue *reactive.Lazy[model.YieldPoolInfo]
	posQueue  *reactive.Lazy[model.YieldPositionInfo]

	targets *ristretto.Cache
	procs   *processBook

	mu        sync.Mutex
	handlers  map[string]handlers.PoolHandler
	cancels   []func()
	addresses []string
	reloadTmr *time.Timer

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the service around its collaborators. Chain connections are
// created lazily on Start from the configured endpoints.
func New(cfg *config.Config, store Storage, events bus.Bus, logger zerolog.Logger) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("target cache: %w", err)
	}

	registry := chain.NewRegistry()
	svc := &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "earning_service").Logger(),
		registry: registry,
		balances: chain.NewBalanceSource(registry),
		xcm:      chain.NewXcmBuilder(registry),
		feed: feeds.New(feeds.Options{
			BaseURL:   cfg.Feeds.BaseURL,
			Timeout:   cfg.Feeds.RequestTimeout,
			UserAgent: cfg.Feeds.UserAgent,
		}, logger),
		store:     store,
		events:    events,
		targets:   cache,
		procs:     newProcessBook(),
		handlers:  make(map[string]handlers.PoolHandler),
		addresses: append([]string(nil), cfg.Earning.Addresses...),
	}

	svc.pools = reactive.NewSubject[model.YieldPoolInfo](func(old, incoming model.YieldPoolInfo) bool {
		return incoming.NewerThan(&old)
	})
	svc.positions = reactive.NewSubject[model.YieldPositionInfo](func(old, incoming model.YieldPositionInfo) bool {
		return incoming.UpdatedAt >= old.UpdatedAt
	})

	svc.poolQueue = reactive.NewLazy[model.YieldPoolInfo](
		cfg.Earning.PersistSoftDelay, cfg.Earning.PersistMaxDelay, svc.flushPools)
	svc.posQueue = reactive.NewLazy[model.YieldPositionInfo](
		cfg.Earning.PersistSoftDelay, cfg.Earning.PersistMaxDelay, svc.flushPositions)

	return svc, nil
}

// Start warm-starts the stores, connects chains, builds handlers, and begins
// the subscription fan-out and the bus consumer. It does not block.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx, s.stopRun = context.WithCancel(ctx)

	s.warmStart(s.runCtx)
	s.connectChains()
	s.rebuild(s.runCtx)

	evCh, evCancel := s.events.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer evCancel()
		s.consumeEvents(s.runCtx, evCh)
	}()

	sched := scheduler.New(scheduler.Options{
		Interval:     s.cfg.Earning.StatRefresh,
		StartupDelay: s.cfg.Earning.StatRefresh,
	}, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sched.Run(s.runCtx, s.recordStatSamples); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("stat sampler stopped")
		}
	}()

	return nil
}

// Stop cancels subscriptions and drains the persistence queues.
func (s *Service) Stop() {
	if s.stopRun != nil {
		s.stopRun()
	}
	s.cancelSubscriptions()
	s.wg.Wait()
	s.poolQueue.Stop()
	s.posQueue.Stop()
	s.targets.Close()
}

// warmStart seeds the reactive stores from persisted records so reads work
// before the first live emission arrives.
func (s *Service) warmStart(ctx context.Context) {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("warm start: pools unavailable")
	}
	for _, p := range pools {
		s.pools.Upsert(p.Slug, p)
	}

	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("warm start: positions unavailable")
	}
	for _, pos := range positions {
		s.positions.Upsert(model.PositionKey(pos.Slug, pos.Address), pos)
	}

	s.logger.Info().Int("pools", len(pools)).Int("positions", len(positions)).Msg("warm start complete")
}

// connectChains registers every catalog chain that config activates.
func (s *Service) connectChains() {
	for _, spec := range chainCatalog {
		cc, ok := s.cfg.Chains[spec.Slug]
		if !ok {
			continue
		}

		entry := &chain.Entry{
			Slug:        spec.Slug,
			Kind:        spec.Kind,
			NativeAsset: spec.NativeAsset,
		}
		if cc.Endpoint != "" {
			entry.Caller = chain.NewWSClient(spec.Slug, cc.Endpoint, s.logger)
		}
		if cc.EvmRPC != "" {
			entry.EVM = chain.NewEVMClient(chain.EVMOptions{Chain: spec.Slug, RPCURL: cc.EvmRPC}, s.logger)
		}
		s.registry.RegisterChain(entry)
		for _, asset := range spec.Assets {
			s.registry.RegisterAsset(asset)
		}
		s.registry.SetActive(spec.Slug, cc.Active)
	}
}

// rebuild constructs handlers for every active chain and replaces the
// subscription set.
func (s *Service) rebuild(ctx context.Context) {
	s.cancelSubscriptions()

	built := make(map[string]handlers.PoolHandler)
	for _, spec := range chainCatalog {
		if !s.registry.IsActive(spec.Slug) {
			continue
		}
		for _, fam := range spec.Families {
			h := s.buildHandler(spec, fam)
			if h == nil {
				continue
			}
			built[h.Slug()] = h
		}
	}

	s.mu.Lock()
	s.handlers = built
	addresses := append([]string(nil), s.addresses...)
	s.mu.Unlock()

	s.logger.Info().Int("handlers", len(built)).Msg("handler registry rebuilt")
	s.subscribeAll(ctx, built, addresses)
}

func (s *Service) buildHandler(spec chainSpec, fam familySpec) handlers.PoolHandler {
	deps := handlers.Deps{
		Registry:        s.registry,
		Balances:        s.balances,
		Xcm:             s.xcm,
		Stats:           s.feed,
		Positions:       s.feed,
		StatTimeout:     s.cfg.Feeds.RequestTimeout,
		RefreshInterval: s.cfg.Earning.StatRefresh,
		Logger:          s.logger,
	}
	slippage := decimal.NewFromFloat(s.cfg.Slippage(spec.Slug))

	switch fam.Kind {
	case familyRelay:
		return handlers.NewRelay(fam.Symbol, spec.Slug, fam.Metadata, deps)
	case familyParachain:
		return handlers.NewParachain(fam.Symbol, spec.Slug, fam.Metadata, deps)
	case familyDapp:
		return handlers.NewDapp(fam.Symbol, spec.Slug, fam.Metadata, deps)
	case familyIndexed:
		return handlers.NewIndexed(fam.Symbol, spec.Slug, fam.Metadata, deps)
	case familyNomPool:
		return handlers.NewNomPool(fam.Symbol, spec.Slug, fam.Metadata, deps)
	case familyLiquid:
		return handlers.NewLiquid(fam.Symbol, spec.Slug, fam.Metadata, slippage, deps)
	case familyLending:
		return handlers.NewLending(fam.Symbol, spec.Slug, fam.Metadata, fam.Market, slippage, deps)
	case familyPassThrough:
		return handlers.NewPassThrough(fam.Symbol, spec.Slug, fam.Metadata, deps)
	default:
		s.logger.Error().Str("family", string(fam.Kind)).Msg("unknown catalog family")
		return nil
	}
}

// subscribeAll opens pool-info and position subscriptions per handler once
// its chain reports ready. One handler failing never blocks the others.
func (s *Service) subscribeAll(ctx context.Context, built map[string]handlers.PoolHandler, addresses []string) {
	for _, h := range built {
		h := h
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := s.registry.WaitReady(waitCtx, h.Chain())
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Str("slug", h.Slug()).Msg("chain never became ready; skipping subscriptions")
				return
			}

			infoCancel, err := h.SubscribePoolInfo(ctx, s.acceptPool)
			if err != nil {
				s.logger.Warn().Err(err).Str("slug", h.Slug()).Msg("pool info subscription failed")
			} else {
				s.addCancel(infoCancel)
			}

			if len(addresses) == 0 {
				return
			}
			posCancel, err := h.SubscribePoolPosition(ctx, addresses, s.acceptPosition)
			if err != nil {
				if !errors.Is(err, model.ErrUnsupported) {
					s.logger.Warn().Err(err).Str("slug", h.Slug()).Msg("position subscription failed")
				}
				return
			}
			s.addCancel(posCancel)
		}()
	}
}

// acceptPool routes a handler emission through the freshness gate; accepted
// updates queue for persistence.
func (s *Service) acceptPool(info model.YieldPoolInfo) {
	if s.pools.Upsert(info.Slug, info) {
		s.poolQueue.Add(info.Slug, info)
	}
}

func (s *Service) acceptPosition(pos model.YieldPositionInfo) {
	key := model.PositionKey(pos.Slug, pos.Address)
	if s.positions.Upsert(key, pos) {
		s.posQueue.Add(key, pos)
	}
}

func (s *Service) addCancel(cancel func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

func (s *Service) cancelSubscriptions() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Service) flushPools(batch map[string]model.YieldPoolInfo) {
	if len(batch) == 0 {
		return
	}
	pools := make([]model.YieldPoolInfo, 0, len(batch))
	for _, p := range batch {
		pools = append(pools, p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpsertPools(ctx, pools); err != nil {
		s.logger.Error().Err(err).Int("count", len(pools)).Msg("pool persistence failed")
	}
}

func (s *Service) flushPositions(batch map[string]model.YieldPositionInfo) {
	if len(batch) == 0 {
		return
	}
	positions := make([]model.YieldPositionInfo, 0, len(batch))
	for _, p := range batch {
		positions = append(positions, p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpsertPositions(ctx, positions); err != nil {
		s.logger.Error().Err(err).Int("count", len(positions)).Msg("position persistence failed")
	}
}

// recordStatSamples snapshots pool statistics into history for the export
// command.
func (s *Service) recordStatSamples(ctx context.Context) error {
	now := time.Now().UTC()
	if dropped := s.procs.drop(now.Add(-time.Hour)); dropped > 0 {
		s.logger.Debug().Int("count", dropped).Msg("expired join processes dropped")
	}
	var samples []storage.StatSample
	for _, p := range s.pools.Snapshot() {
		if p.Statistic == nil {
			continue
		}
		sample := storage.StatSample{Slug: p.Slug, SampleTS: now}
		if p.Statistic.TotalAPY != nil {
			sample.APY = *p.Statistic.TotalAPY
		}
		if p.Statistic.TVL != nil {
			sample.TVL = *p.Statistic.TVL
		}
		samples = append(samples, sample)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.store.InsertStatSamples(ctx, samples)
}

// consumeEvents reacts to bus notifications. All reactions funnel through
// the debounced reload so event bursts rebuild once.
func (s *Service) consumeEvents(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev bus.Event) {
	switch ev.Type {
	case bus.AccountRemove:
		s.removeAccount(ctx, ev.Address)
		s.scheduleReload()
	case bus.ChainUpdateState:
		if cc, ok := s.cfg.Chains[ev.Chain]; ok {
			s.registry.SetActive(ev.Chain, cc.Active)
			if !cc.Active {
				s.dropChainPositions(ctx, ev.Chain)
			}
		}
		s.scheduleReload()
	case bus.TransactionDone:
		if ev.TxType == "transfer" {
			return
		}
		s.scheduleReload()
	default:
		s.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring event")
	}
}

func (s *Service) removeAccount(ctx context.Context, address string) {
	if address == "" {
		return
	}
	s.mu.Lock()
	kept := s.addresses[:0]
	for _, a := range s.addresses {
		if a != address {
			kept = append(kept, a)
		}
	}
	s.addresses = kept
	s.mu.Unlock()

	s.positions.Delete(func(_ string, pos model.YieldPositionInfo) bool {
		return pos.Address == address
	})
	if err := s.store.DeletePositionsByAddress(ctx, address); err != nil {
		s.logger.Error().Err(err).Str("address", address).Msg("position removal failed")
	}
}

// dropChainPositions evicts a disabled chain's positions from the store and
// from persistence. Its pools stay; statistics just stop refreshing.
func (s *Service) dropChainPositions(ctx context.Context, chainSlug string) {
	s.positions.Delete(func(_ string, pos model.YieldPositionInfo) bool {
		return pos.Chain == chainSlug
	})
	if err := s.store.DeletePositionsByChain(ctx, chainSlug); err != nil {
		s.logger.Error().Err(err).Str("chain", chainSlug).Msg("chain position removal failed")
	}
}

// scheduleReload arms the debounced rebuild; further triggers inside the
// window collapse into one.
func (s *Service) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadTmr != nil {
		s.reloadTmr.Stop()
	}
	s.reloadTmr = time.AfterFunc(s.cfg.Earning.ReloadDelay, func() {
		if s.runCtx == nil || s.runCtx.Err() != nil {
			return
		}
		s.rebuild(s.runCtx)
	})
}

// GetPoolHandler resolves a handler by pool slug.
func (s *Service) GetPoolHandler(slug string) (handlers.PoolHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrHandlerNotFound, slug)
	}
	return h, nil
}

// GetYieldPool returns the stored pool record.
func (s *Service) GetYieldPool(slug string) (model.YieldPoolInfo, bool) {
	return s.pools.Get(slug)
}

// GetYieldPosition returns the stored position, falling back to the
// not-staking default when the pool exists but the address has no record.
func (s *Service) GetYieldPosition(slug, address string) (model.YieldPositionInfo, bool) {
	if pos, ok := s.positions.Get(model.PositionKey(slug, address)); ok {
		return pos, true
	}
	pool, ok := s.pools.Get(slug)
	if !ok {
		return model.YieldPositionInfo{}, false
	}
	return model.EmptyPosition(slug, pool.Chain, address, pool.Type), true
}

// SubscribeYieldPoolInfo streams accepted pool update batches.
func (s *Service) SubscribeYieldPoolInfo() (<-chan map[string]model.YieldPoolInfo, func()) {
	return s.pools.Subscribe()
}

// SubscribeYieldPosition streams accepted position update batches.
func (s *Service) SubscribeYieldPosition() (<-chan map[string]model.YieldPositionInfo, func()) {
	return s.positions.Subscribe()
}

// PoolsSnapshot copies the current pool store.
func (s *Service) PoolsSnapshot() map[string]model.YieldPoolInfo {
	return s.pools.Snapshot()
}

// GenerateOptimalSteps plans the join path for a pool and opens a join
// process record for it.
func (s *Service) GenerateOptimalSteps(ctx context.Context, slug string, params handlers.PathParams) (model.OptimalYieldPath, ProcessRecord, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return model.OptimalYieldPath{}, ProcessRecord{}, err
	}
	path, err := h.GenerateOptimalPath(ctx, params)
	if err != nil {
		return model.OptimalYieldPath{}, ProcessRecord{}, err
	}
	rec := s.procs.begin(slug, params.Address, len(path.Steps))
	return path, *rec, nil
}

// ValidateYieldJoin validates the whole plan once. A clean result arms the
// process for step execution; failures return it to idle.
func (s *Service) ValidateYieldJoin(ctx context.Context, processID uuid.UUID, data handlers.JoinData, path model.OptimalYieldPath) ([]*model.StakingError, error) {
	rec, ok := s.procs.get(processID)
	if !ok {
		return nil, fmt.Errorf("unknown join process %s", processID)
	}
	h, err := s.GetPoolHandler(rec.Slug)
	if err != nil {
		return nil, err
	}
	if err := s.procs.markValidating(processID); err != nil {
		return nil, err
	}

	stakingErrs, err := h.ValidateYieldJoin(ctx, data, path)
	if err != nil || len(stakingErrs) > 0 {
		if ferr := s.procs.markValidationFailed(processID); ferr != nil {
			s.logger.Error().Err(ferr).Msg("process bookkeeping failed")
		}
		return stakingErrs, err
	}
	if err := s.procs.markValidated(processID); err != nil {
		return nil, err
	}
	return nil, nil
}

// HandleYieldJoin executes one plan step. The step index must match the
// process cursor, which guards against replays and skipped steps.
func (s *Service) HandleYieldJoin(ctx context.Context, processID uuid.UUID, data handlers.JoinData, path model.OptimalYieldPath, step int) (model.StepResult, error) {
	rec, ok := s.procs.get(processID)
	if !ok {
		return model.StepResult{}, fmt.Errorf("unknown join process %s", processID)
	}
	h, err := s.GetPoolHandler(rec.Slug)
	if err != nil {
		return model.StepResult{}, err
	}
	if err := s.procs.markSubmitting(processID, step); err != nil {
		return model.StepResult{}, err
	}

	result, err := h.HandleYieldJoin(ctx, data, path, step)
	if err != nil {
		rejected := errors.Is(err, model.ErrUserRejected)
		if ferr := s.procs.markFailed(processID, step, rejected); ferr != nil {
			s.logger.Error().Err(ferr).Msg("process bookkeeping failed")
		}
		return model.StepResult{}, err
	}
	if err := s.procs.markStepDone(processID, step); err != nil {
		return model.StepResult{}, err
	}
	return result, nil
}

// JoinProcess returns a join process record.
func (s *Service) JoinProcess(id uuid.UUID) (ProcessRecord, bool) {
	return s.procs.get(id)
}

// ValidateYieldLeave dispatches leave validation to the pool's handler.
func (s *Service) ValidateYieldLeave(ctx context.Context, slug string, data handlers.LeaveData) ([]*model.StakingError, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return nil, err
	}
	return h.ValidateYieldLeave(ctx, data)
}

// HandleYieldLeave builds the unstake transaction.
func (s *Service) HandleYieldLeave(ctx context.Context, slug string, data handlers.LeaveData) (model.StepResult, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return model.StepResult{}, err
	}
	return h.HandleYieldLeave(ctx, data)
}

// HandleYieldWithdraw redeems matured unstake entries.
func (s *Service) HandleYieldWithdraw(ctx context.Context, slug, address string) (model.StepResult, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return model.StepResult{}, err
	}
	return h.HandleYieldWithdraw(ctx, address)
}

// HandleYieldCancelUnstake reverts a pending unstake entry.
func (s *Service) HandleYieldCancelUnstake(ctx context.Context, slug, address string, unstakeIndex int) (model.StepResult, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return model.StepResult{}, err
	}
	return h.HandleYieldCancelUnstake(ctx, address, unstakeIndex)
}

// HandleYieldClaimReward claims pending rewards, optionally restaking them.
func (s *Service) HandleYieldClaimReward(ctx context.Context, slug, address string, restake bool) (model.StepResult, error) {
	h, err := s.GetPoolHandler(slug)
	if err != nil {
		return model.StepResult{}, err
	}
	return h.HandleYieldClaimReward(ctx, address, restake)
}

// GetEarningRewards returns the indexer's aggregate reward state for one
// position.
func (s *Service) GetEarningRewards(ctx context.Context, slug, address string) (*model.EarningRewardItem, error) {
	return s.feed.RewardSummary(ctx, slug, address)
}

// GetEarningRewardHistory returns the indexer's payout records for one
// position, newest first.
func (s *Service) GetEarningRewardHistory(ctx context.Context, slug, address string) ([]model.EarningRewardHistoryItem, error) {
	return s.feed.RewardHistory(ctx, slug, address)
}

// GetPoolTargets serves validator/collator/pool targets: TTL cache first,
// then the off-chain feed, with the handler's live chain query as fallback.
func (s *Service) GetPoolTargets(ctx context.Context, slug string) ([]model.PoolTarget, error) {
	if cached, ok := s.targets.Get(slug); ok {
		if targets, ok := cached.([]model.PoolTarget); ok {
			return targets, nil
		}
	}
	if _, ok := s.pools.Get(slug); !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPoolNotFound, slug)
	}

	targets, feedErr := s.feed.PoolTargets(ctx, slug)
	if feedErr != nil || len(targets) == 0 {
		h, err := s.GetPoolHandler(slug)
		if err != nil {
			return nil, err
		}
		targets, err = h.PoolTargets(ctx)
		if err != nil {
			if !errors.Is(err, model.ErrUnsupported) && feedErr != nil {
				s.logger.Warn().Err(feedErr).Str("slug", slug).Msg("target feed unavailable and live query failed")
			}
			return nil, err
		}
	}

	s.targets.SetWithTTL(slug, targets, int64(len(targets))+1, s.cfg.Earning.TargetCacheTTL)
	return targets, nil
}
