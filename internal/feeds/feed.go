// Package feeds fetches off-chain pool statistics and target lists. Feed
// data is untrusted and best-effort: every fetch races a fixed timeout and
// degrades to absent statistics instead of blocking a pool-info emission.
package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"yield-engine/internal/model"
)

// PoolStats is one pool's off-chain statistics snapshot.
type PoolStats struct {
	APY         *decimal.Decimal
	APR         *decimal.Decimal
	TVL         *decimal.Decimal
	MinJoin     *decimal.Decimal
	CollectedAt int64
}

// StatSource abstracts the statistics endpoint.
type StatSource interface {
	PoolStats(ctx context.Context, slug string) (*PoolStats, error)
	PoolTargets(ctx context.Context, slug string) ([]model.PoolTarget, error)
}

// PositionSource serves indexer-derived positions for pools whose chain
// exposes no usable query surface.
type PositionSource interface {
	PoolPositions(ctx context.Context, slug string, addresses []string) ([]model.YieldPositionInfo, error)
}

// Options parameterise the feed client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Feed is the HTTP statistics client.
type Feed struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// New constructs a feed client.
func New(opts Options, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Feed{
		opts:    opts,
		logger:  logger.With().Str("component", "stat_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// PoolStats fetches one pool's statistics.
func (f *Feed) PoolStats(ctx context.Context, slug string) (*PoolStats, error) {
	body, err := f.get(ctx, "/pools/"+slug+"/stats")
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("stat feed: unexpected payload shape for %s", slug)
	}

	stats := &PoolStats{CollectedAt: time.Now().UnixMilli()}
	stats.APY = parseOptional(doc.Get("apy"))
	stats.APR = parseOptional(doc.Get("apr"))
	stats.TVL = parseOptional(doc.Get("tvl"))
	stats.MinJoin = parseOptional(doc.Get("min_join"))
	return stats, nil
}

// PoolTargets fetches the offline target list for a pool.
func (f *Feed) PoolTargets(ctx context.Context, slug string) ([]model.PoolTarget, error) {
	body, err := f.get(ctx, "/pools/"+slug+"/targets")
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	items := doc.Get("targets")
	if !items.IsArray() {
		return nil, fmt.Errorf("target feed: unexpected payload shape for %s", slug)
	}

	var targets []model.PoolTarget
	for _, item := range items.Array() {
		t := model.PoolTarget{
			Address:           item.Get("address").String(),
			Identity:          item.Get("identity").String(),
			NominatorCount:    int(item.Get("nominator_count").Int()),
			MaxNominatorCount: int(item.Get("max_nominator_count").Int()),
			Blocked:           item.Get("blocked").Bool(),
			Verified:          item.Get("verified").Bool(),
			PoolState:         item.Get("pool_state").String(),
			PoolID:            uint32(item.Get("pool_id").Uint()),
			MemberCount:       int(item.Get("member_count").Int()),
		}
		if v := parseOptional(item.Get("commission")); v != nil {
			t.Commission = *v
		}
		if v := parseOptional(item.Get("total_stake")); v != nil {
			t.TotalStake = *v
		}
		if v := parseOptional(item.Get("own_stake")); v != nil {
			t.OwnStake = *v
		}
		if v := parseOptional(item.Get("min_stake")); v != nil {
			t.MinStake = *v
		}
		if v := parseOptional(item.Get("expected_return")); v != nil {
			t.ExpectedReturn = *v
		}
		t.OtherStake = t.TotalStake.Sub(t.OwnStake)
		t.IsCrowded = t.MaxNominatorCount > 0 && t.NominatorCount >= t.MaxNominatorCount
		if t.Address == "" {
			return nil, fmt.Errorf("target feed: entry without address for %s", slug)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// PoolPositions fetches indexer-derived positions for a batch of addresses,
// preserving input order. Addresses unknown to the indexer come back as
// not-staking.
func (f *Feed) PoolPositions(ctx context.Context, slug string, addresses []string) ([]model.YieldPositionInfo, error) {
	body, err := f.get(ctx, "/pools/"+slug+"/positions?addresses="+strings.Join(addresses, ","))
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	byAddress := make(map[string]gjson.Result)
	for _, item := range doc.Get("positions").Array() {
		byAddress[item.Get("address").String()] = item
	}

	now := time.Now().UnixMilli()
	chainSlug := doc.Get("chain").String()
	out := make([]model.YieldPositionInfo, 0, len(addresses))
	for _, address := range addresses {
		pos := model.YieldPositionInfo{
			Slug:        slug,
			Chain:       chainSlug,
			Address:     address,
			Status:      model.NotStaking,
			ActiveStake: decimal.Zero,
			TotalStake:  decimal.Zero,
			UpdatedAt:   now,
		}
		if item, ok := byAddress[address]; ok {
			if active, err := decimal.NewFromString(item.Get("active_stake").String()); err == nil {
				pos.ActiveStake = active
			}
			for _, u := range item.Get("unstakings").Array() {
				amount, err := decimal.NewFromString(u.Get("amount").String())
				if err != nil {
					continue
				}
				entry := model.UnstakingInfo{Chain: chainSlug, ClaimableAmount: amount, Status: model.UnstakeClaimable}
				if ts := u.Get("unlock_at_ms").Int(); ts > now {
					entry.Status = model.UnstakeUnlocking
					entry.TargetTimestampMs = &ts
				}
				pos.Unstakings = append(pos.Unstakings, entry)
			}
			pos.Normalize()
			if pos.ActiveStake.IsPositive() {
				pos.Status = model.EarningReward
			} else if pos.TotalStake.IsPositive() {
				pos.Status = model.NotEarning
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

// RewardSummary fetches the aggregate reward state of one address in one
// pool.
func (f *Feed) RewardSummary(ctx context.Context, slug, address string) (*model.EarningRewardItem, error) {
	body, err := f.get(ctx, "/pools/"+slug+"/rewards/"+address)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	item := &model.EarningRewardItem{
		Slug:      slug,
		Address:   address,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if v, err := decimal.NewFromString(doc.Get("latest_reward").String()); err == nil {
		item.LatestReward = v
	}
	if v, err := decimal.NewFromString(doc.Get("total_reward").String()); err == nil {
		item.TotalReward = v
	}
	if v, err := decimal.NewFromString(doc.Get("unclaimed_reward").String()); err == nil {
		item.UnclaimedReward = v
	}
	return item, nil
}

// RewardHistory fetches individual payout records, newest first.
func (f *Feed) RewardHistory(ctx context.Context, slug, address string) ([]model.EarningRewardHistoryItem, error) {
	body, err := f.get(ctx, "/pools/"+slug+"/rewards/"+address+"/history")
	if err != nil {
		return nil, err
	}

	var items []model.EarningRewardHistoryItem
	for _, entry := range gjson.ParseBytes(body).Get("items").Array() {
		amount, err := decimal.NewFromString(entry.Get("amount").String())
		if err != nil {
			continue
		}
		items = append(items, model.EarningRewardHistoryItem{
			Slug:             slug,
			Address:          address,
			EventIndex:       entry.Get("event_index").String(),
			BlockTimestampMs: entry.Get("block_timestamp_ms").Int(),
			Amount:           amount,
		})
	}
	return items, nil
}

// StatsWithFallback races PoolStats against the configured timeout; losing
// the race yields absent statistics, never an error.
func StatsWithFallback(ctx context.Context, source StatSource, slug string, timeout time.Duration, logger zerolog.Logger) *PoolStats {
	type outcome struct {
		stats *PoolStats
		err   error
	}
	ch := make(chan outcome, 1)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		stats, err := source.PoolStats(fetchCtx, slug)
		ch <- outcome{stats: stats, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			logger.Debug().Err(out.err).Str("slug", slug).Msg("stat feed fetch failed")
			return nil
		}
		return out.stats
	case <-timer.C:
		logger.Debug().Str("slug", slug).Msg("stat feed fetch timed out")
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (f *Feed) get(ctx context.Context, path string) ([]byte, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("stat feed: base url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stat feed: %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}

func parseOptional(res gjson.Result) *decimal.Decimal {
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	v, err := decimal.NewFromString(res.String())
	if err != nil {
		return nil
	}
	return &v
}

var (
	_ StatSource     = (*Feed)(nil)
	_ PositionSource = (*Feed)(nil)
)
