package handlers

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeCaller serves canned JSON per RPC method.
type fakeCaller struct {
	slug      string
	responses map[string]string
}

func (f *fakeCaller) Chain() string { return f.slug }

func (f *fakeCaller) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	body, ok := f.responses[method]
	if !ok {
		return gjson.Result{}, &model.ChainError{Chain: f.slug, Err: errNoConnection}
	}
	return gjson.Parse(body), nil
}

func (f *fakeCaller) Subscribe(ctx context.Context, subMethod, unsubMethod string, params ...any) (<-chan gjson.Result, func(), error) {
	ch := make(chan gjson.Result)
	return ch, func() {}, nil
}

// fakeBalances keys transferable balances by "address|asset".
type fakeBalances map[string]decimal.Decimal

func (f fakeBalances) Transferable(ctx context.Context, address, assetSlug string) (decimal.Decimal, error) {
	return f[address+"|"+assetSlug], nil
}

type fakeXcm struct {
	fee decimal.Decimal
}

func (f *fakeXcm) EstimateFee(ctx context.Context, origin, dest, assetSlug string) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeXcm) BuildTransfer(ctx context.Context, origin, dest, assetSlug, recipient string, amount decimal.Decimal) (*model.UnsignedTransaction, error) {
	return &model.UnsignedTransaction{
		Chain:     origin,
		ChainKind: model.ChainSubstrate,
		Module:    "xTokens",
		Method:    "transfer",
		Args:      []string{assetSlug, amount.StringFixed(0), recipient},
	}, nil
}

// planFixture wires a relay handler over a two-chain registry: the staking
// chain plus a sibling holding the alternate input asset.
func planFixture(balances fakeBalances, xcmFee decimal.Decimal, responses map[string]string) *RelayHandler {
	registry := chain.NewRegistry()
	registry.RegisterChain(&chain.Entry{
		Slug:        "westend",
		Kind:        model.ChainSubstrate,
		NativeAsset: "westend-WND",
		Caller:      &fakeCaller{slug: "westend", responses: responses},
	})
	registry.RegisterChain(&chain.Entry{
		Slug:        "westhub",
		Kind:        model.ChainSubstrate,
		NativeAsset: "westhub-WND",
	})
	registry.RegisterAsset(chain.Asset{Slug: "westend-WND", Symbol: "WND", Chain: "westend", Decimals: 12, IsNative: true})
	registry.RegisterAsset(chain.Asset{Slug: "westhub-WND", Symbol: "WND", Chain: "westhub", Decimals: 12, IsNative: true})

	deps := Deps{
		Registry: registry,
		Balances: balances,
		Xcm:      &fakeXcm{fee: xcmFee},
		Logger:   noopLogger(),
	}
	metadata := model.YieldPoolMetadata{
		InputAsset:     "westend-WND",
		AltInputAssets: []string{"westhub-WND"},
	}
	return NewRelay("WND", "westend", metadata, deps)
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestGenerateOptimalPathWithTopUp(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(200),
		"alice|westhub-WND": dec(2000),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	path, err := h.GenerateOptimalPath(context.Background(), PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if err := path.Validate(); err != nil {
		t.Fatalf("生成的路径未通过结构校验: %v", err)
	}

	want := []model.StepType{model.StepDefault, model.StepXCM, model.StepNominate}
	got := path.StepTypes()
	if len(got) != len(want) {
		t.Fatalf("应生成 %d 个步骤，实际 %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 步应为 %s，实际 %s", i, want[i], got[i])
		}
	}

	if path.TotalFee[1].Slug != "westhub-WND" {
		t.Fatalf("跨链费用应以 westhub-WND 计价，实际 %s", path.TotalFee[1].Slug)
	}
	if !path.TotalFee[1].Amount.Equal(dec(50)) {
		t.Fatalf("跨链费用应为 50，实际 %s", path.TotalFee[1].Amount)
	}
	if !path.TotalFee[2].Amount.Equal(dec(12)) {
		t.Fatalf("提交费用应为 12，实际 %s", path.TotalFee[2].Amount)
	}

	// shortfall = 1000 - 200 + 50
	if got := path.Steps[1].Metadata["amount"]; got != "850" {
		t.Fatalf("跨链转账额应为 850，实际 %s", got)
	}
	if got := path.Steps[1].Metadata["origin"]; got != "westhub" {
		t.Fatalf("来源链应为 westhub，实际 %s", got)
	}
}

func TestGenerateOptimalPathSkipsTopUpWhenLocalCovers(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(5000),
		"alice|westhub-WND": dec(2000),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	path, err := h.GenerateOptimalPath(context.Background(), PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(path.Steps) != 2 {
		t.Fatalf("本地余额充足时应只有 2 步，实际 %d", len(path.Steps))
	}
	if path.Steps[1].Type != model.StepNominate {
		t.Fatalf("末步应为提交步骤，实际 %s", path.Steps[1].Type)
	}
}

func TestGenerateOptimalPathDegradesOnConnectionError(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(5000),
	}
	// No payment_estimateFee response: the fee quote fails with a ChainError.
	h := planFixture(balances, dec(50), map[string]string{})

	path, err := h.GenerateOptimalPath(context.Background(), PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("连接错误应被降级而不是返回错误: %v", err)
	}
	if path.ConnectionError != "westend" {
		t.Fatalf("ConnectionError 应为 westend，实际 %q", path.ConnectionError)
	}
	if len(path.Steps) != 2 {
		t.Fatalf("降级路径应为 2 步，实际 %d", len(path.Steps))
	}
	for i, fee := range path.TotalFee {
		if !fee.Amount.IsZero() {
			t.Fatalf("降级路径的第 %d 项费用应为零，实际 %s", i, fee.Amount)
		}
	}
}

func TestGenerateOptimalPathRejectsNonPositiveAmount(t *testing.T) {
	h := planFixture(fakeBalances{}, dec(50), nil)
	if _, err := h.GenerateOptimalPath(context.Background(), PathParams{Address: "alice", Amount: decimal.Zero}); err == nil {
		t.Fatal("金额为零时应返回错误")
	}
}

func TestGenerateOptimalPathIsStable(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(200),
		"alice|westhub-WND": dec(2000),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	params := PathParams{Address: "alice", Amount: dec(1000)}
	first, err := h.GenerateOptimalPath(context.Background(), params)
	if err != nil {
		t.Fatalf("首次规划失败: %v", err)
	}
	second, err := h.GenerateOptimalPath(context.Background(), params)
	if err != nil {
		t.Fatalf("二次规划失败: %v", err)
	}
	a, b := first.StepTypes(), second.StepTypes()
	if len(a) != len(b) {
		t.Fatalf("两次规划步骤数不一致: %d 对 %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("第 %d 步类型不一致: %s 对 %s", i, a[i], b[i])
		}
	}
}

func TestValidateYieldJoinXcmShortfallExceedsAlt(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(200),
		"alice|westhub-WND": dec(100),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	ctx := context.Background()
	path, err := h.GenerateOptimalPath(ctx, PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	errs, err := h.ValidateYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(1000)}, path)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("应返回一个校验错误，实际 %d", len(errs))
	}
	if errs[0].Reason != model.ReasonNotEnoughBalance {
		t.Fatalf("错误原因应为余额不足，实际 %s", errs[0].Reason)
	}
	// maxEnterable = 200 + 100 - 50
	if want := "amount exceeds the maximum enterable amount of 250"; errs[0].Message != want {
		t.Fatalf("错误信息应为 %q，实际 %q", want, errs[0].Message)
	}
}

func TestValidateYieldJoinMinStakeBoundary(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(5000),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee":  `"12"`,
		"staking_queryLedgers": `{"current_era":100,"era_hours":6,"ledgers":[null]}`,
	})
	h.lastStat = &model.YieldPoolStatistic{MinJoinPool: dec(500)}

	ctx := context.Background()
	path, err := h.GenerateOptimalPath(ctx, PathParams{Address: "alice", Amount: dec(500)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	target := model.PoolTarget{Address: "validator-1"}

	errs, err := h.ValidateYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(499), Targets: []model.PoolTarget{target}}, path)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if len(errs) == 0 || errs[0].Reason != model.ReasonNotEnoughMinStake {
		t.Fatalf("低于最小质押额时应返回 NOT_ENOUGH_MIN_STAKE，实际 %v", errs)
	}

	errs, err = h.ValidateYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(500), Targets: []model.PoolTarget{target}}, path)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("达到最小质押额时不应有错误，实际 %v", errs[0])
	}
}

func TestValidateYieldJoinFeeBalanceFloor(t *testing.T) {
	registryMin := dec(1000)
	registry := chain.NewRegistry()
	registry.RegisterChain(&chain.Entry{
		Slug:        "westend",
		Kind:        model.ChainSubstrate,
		NativeAsset: "westend-WND",
		Caller:      &fakeCaller{slug: "westend", responses: map[string]string{"payment_estimateFee": `"12"`}},
	})
	registry.RegisterAsset(chain.Asset{Slug: "westend-WND", Symbol: "WND", Chain: "westend", Decimals: 12, MinBalance: registryMin, IsNative: true})

	deps := Deps{
		Registry: registry,
		Balances: fakeBalances{"bob|westend-WND": dec(1005)},
		Xcm:      &fakeXcm{},
		Logger:   noopLogger(),
	}
	h := NewRelay("WND", "westend", model.YieldPoolMetadata{InputAsset: "westend-WND"}, deps)

	ctx := context.Background()
	path, err := h.GenerateOptimalPath(ctx, PathParams{Address: "bob", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	// 1005 - 12 falls below the 1000 existential minimum.
	errs, err := h.ValidateYieldJoin(ctx, JoinData{Address: "bob", Amount: dec(1000)}, path)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if len(errs) == 0 || errs[0].Reason != model.ReasonNotEnoughFeeBalance {
		t.Fatalf("手续费余额不足时应返回 NOT_ENOUGH_FEE_BALANCE，实际 %v", errs)
	}
}

func TestHandleYieldJoinRefusesDefaultStep(t *testing.T) {
	balances := fakeBalances{"alice|westend-WND": dec(5000)}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	ctx := context.Background()
	path, err := h.GenerateOptimalPath(ctx, PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	if _, err := h.HandleYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(1000)}, path, 0); err == nil {
		t.Fatal("DEFAULT 步骤不可执行，应返回错误")
	}
	if _, err := h.HandleYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(1000)}, path, 5); err == nil {
		t.Fatal("越界步骤应返回错误")
	}
}

func TestHandleYieldJoinBuildsXcmTransfer(t *testing.T) {
	balances := fakeBalances{
		"alice|westend-WND": dec(200),
		"alice|westhub-WND": dec(2000),
	}
	h := planFixture(balances, dec(50), map[string]string{
		"payment_estimateFee": `"12"`,
	})

	ctx := context.Background()
	path, err := h.GenerateOptimalPath(ctx, PathParams{Address: "alice", Amount: dec(1000)})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	result, err := h.HandleYieldJoin(ctx, JoinData{Address: "alice", Amount: dec(1000)}, path, 1)
	if err != nil {
		t.Fatalf("构建跨链步骤失败: %v", err)
	}
	if result.Tx == nil || result.Tx.Module != "xTokens" {
		t.Fatalf("应生成 xTokens 转账交易，实际 %+v", result.Tx)
	}
	if result.Tx.Chain != "westhub" {
		t.Fatalf("跨链交易应在来源链上签名，实际 %s", result.Tx.Chain)
	}
	// The alternate asset is westhub's native token, so the shortfall counts
	// as a native transfer.
	if !result.TransferNativeAmount.Equal(dec(850)) {
		t.Fatalf("原生转账额应为 850，实际 %s", result.TransferNativeAmount)
	}
}
