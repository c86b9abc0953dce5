package handlers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"yield-engine/internal/model"
)

func TestGuardCancelFirstCallOnly(t *testing.T) {
	g := newGuard()
	if !g.active() {
		t.Fatal("新建的 guard 应处于活跃状态")
	}
	if !g.cancel() {
		t.Fatal("首次取消应返回 true")
	}
	if g.cancel() {
		t.Fatal("重复取消应返回 false")
	}
	if g.active() {
		t.Fatal("取消后不应再活跃")
	}
}

func TestEmitActiveDropsAfterCancel(t *testing.T) {
	h := planFixture(fakeBalances{}, decimal.Zero, nil)
	g := newGuard()
	var emitted atomic.Int32
	emit := func(model.YieldPositionInfo) { emitted.Add(1) }

	pos := model.EmptyPosition(h.slug, h.chainSlug, "alice", h.poolType)
	h.emitActive(g, emit, pos)
	g.cancel()
	h.emitActive(g, emit, pos)

	if got := emitted.Load(); got != 1 {
		t.Fatalf("取消后的发射应被丢弃，实际收到 %d 次", got)
	}
}

func TestSubscribePoolInfoCancelStopsEmissions(t *testing.T) {
	h := planFixture(fakeBalances{}, decimal.Zero, map[string]string{
		"staking_overview":    `{"min_nominator_bond":"100","bonding_duration_hours":672}`,
		"payment_estimateFee": `"12"`,
	})
	h.deps.RefreshInterval = 10 * time.Millisecond

	var emitted atomic.Int32
	cancel, err := h.SubscribePoolInfo(context.Background(), func(model.YieldPoolInfo) {
		emitted.Add(1)
	})
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for emitted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if emitted.Load() == 0 {
		t.Fatal("订阅后应收到首次池信息")
	}

	cancel()
	cancel()
	time.Sleep(20 * time.Millisecond)
	after := emitted.Load()
	time.Sleep(50 * time.Millisecond)
	if emitted.Load() != after {
		t.Fatal("取消后不应再收到池信息")
	}
}
