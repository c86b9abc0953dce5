package handlers

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

func nompoolFixture(responses map[string]string) *NomPoolHandler {
	registry := chain.NewRegistry()
	registry.RegisterChain(&chain.Entry{
		Slug:        "westend",
		Kind:        model.ChainSubstrate,
		NativeAsset: "westend-WND",
		Caller:      &fakeCaller{slug: "westend", responses: responses},
	})
	registry.RegisterAsset(chain.Asset{Slug: "westend-WND", Symbol: "WND", Chain: "westend", Decimals: 12, IsNative: true})

	deps := Deps{
		Registry: registry,
		Balances: fakeBalances{},
		Xcm:      &fakeXcm{},
		Logger:   noopLogger(),
	}
	return NewNomPool("WND", "westend", model.YieldPoolMetadata{InputAsset: "westend-WND"}, deps)
}

const noMembership = `{"current_era":100,"era_hours":6,"members":[null]}`

func TestNomPoolValidateJoinRequiresSingleTarget(t *testing.T) {
	h := nompoolFixture(map[string]string{"nominationPools_queryMembers": noMembership})

	errs := h.validateJoinRules(context.Background(), JoinData{Address: "alice", Amount: dec(100)})
	if len(errs) != 1 || errs[0].Reason != model.ReasonInvalidAmount {
		t.Fatalf("未选择池时应返回校验错误，实际 %v", errs)
	}
}

func TestNomPoolValidateJoinRejectsClosedPool(t *testing.T) {
	h := nompoolFixture(map[string]string{"nominationPools_queryMembers": noMembership})
	target := model.PoolTarget{PoolID: 12, PoolState: "Destroying"}

	errs := h.validateJoinRules(context.Background(), JoinData{Address: "alice", Amount: dec(100), Targets: []model.PoolTarget{target}})
	if len(errs) != 1 || errs[0].Reason != model.ReasonInactivePool {
		t.Fatalf("销毁中的池应返回 INACTIVE_POOL，实际 %v", errs)
	}
	if want := "pool 12 is Destroying and does not accept new members"; errs[0].Message != want {
		t.Fatalf("错误信息应为 %q，实际 %q", want, errs[0].Message)
	}
}

func TestNomPoolValidateJoinRejectsOtherPoolMembership(t *testing.T) {
	h := nompoolFixture(map[string]string{
		"nominationPools_queryMembers": `{"current_era":100,"era_hours":6,"members":[{"pool_id":7,"pool_state":"Open","active":"500"}]}`,
	})
	target := model.PoolTarget{PoolID: 9, PoolState: "Open"}

	errs := h.validateJoinRules(context.Background(), JoinData{Address: "alice", Amount: dec(100), Targets: []model.PoolTarget{target}})
	if len(errs) != 1 || errs[0].Reason != model.ReasonExistingUnstake {
		t.Fatalf("已属于其他池时应拒绝加入，实际 %v", errs)
	}

	same := model.PoolTarget{PoolID: 7, PoolState: "Open"}
	if errs := h.validateJoinRules(context.Background(), JoinData{Address: "alice", Amount: dec(100), Targets: []model.PoolTarget{same}}); len(errs) != 0 {
		t.Fatalf("加入当前所在池不应报错，实际 %v", errs[0])
	}
}

func TestNomPoolBuildJoin(t *testing.T) {
	ctx := context.Background()
	target := model.PoolTarget{PoolID: 7, PoolState: "Open"}

	fresh := nompoolFixture(map[string]string{"nominationPools_queryMembers": noMembership})
	result, err := fresh.buildJoin(ctx, JoinData{Address: "alice", Amount: dec(100), Targets: []model.PoolTarget{target}})
	if err != nil {
		t.Fatalf("构建加入交易失败: %v", err)
	}
	if result.Tx.Method != "join" {
		t.Fatalf("首次加入应调用 join，实际 %s", result.Tx.Method)
	}
	if len(result.Tx.Args) != 2 || result.Tx.Args[1] != "7" {
		t.Fatalf("join 参数应包含池编号 7，实际 %v", result.Tx.Args)
	}
	if !result.TransferNativeAmount.Equal(dec(100)) {
		t.Fatalf("加入金额应计为原生转账，实际 %s", result.TransferNativeAmount)
	}

	member := nompoolFixture(map[string]string{
		"nominationPools_queryMembers": `{"current_era":100,"era_hours":6,"members":[{"pool_id":7,"pool_state":"Open","active":"500"}]}`,
	})
	result, err = member.buildJoin(ctx, JoinData{Address: "alice", Amount: dec(100), Targets: []model.PoolTarget{target}})
	if err != nil {
		t.Fatalf("构建追加质押交易失败: %v", err)
	}
	if result.Tx.Method != "bondExtra" {
		t.Fatalf("已有活跃质押应调用 bondExtra，实际 %s", result.Tx.Method)
	}
}

func TestNomPoolWithdrawRequiresClaimable(t *testing.T) {
	ctx := context.Background()

	locked := nompoolFixture(map[string]string{
		"nominationPools_queryMembers": `{"current_era":100,"era_hours":6,"members":[{"pool_id":7,"pool_state":"Open","active":"0","unbonding":[{"value":"200","era":105}]}]}`,
	})
	if _, err := locked.HandleYieldWithdraw(ctx, "alice"); err == nil {
		t.Fatal("解锁未到期时提现应返回错误")
	}

	ready := nompoolFixture(map[string]string{
		"nominationPools_queryMembers": `{"current_era":100,"era_hours":6,"members":[{"pool_id":7,"pool_state":"Open","active":"0","unbonding":[{"value":"200","era":99}]}]}`,
	})
	result, err := ready.HandleYieldWithdraw(ctx, "alice")
	if err != nil {
		t.Fatalf("可领取时提现应成功: %v", err)
	}
	if result.Tx.Method != "withdrawUnbonded" {
		t.Fatalf("提现应调用 withdrawUnbonded，实际 %s", result.Tx.Method)
	}
}

func TestNomPoolClaimReward(t *testing.T) {
	h := nompoolFixture(nil)
	ctx := context.Background()

	result, err := h.HandleYieldClaimReward(ctx, "alice", false)
	if err != nil {
		t.Fatalf("领取奖励失败: %v", err)
	}
	if result.Tx.Method != "claimPayout" {
		t.Fatalf("领取奖励应调用 claimPayout，实际 %s", result.Tx.Method)
	}

	result, err = h.HandleYieldClaimReward(ctx, "alice", true)
	if err != nil {
		t.Fatalf("复投奖励失败: %v", err)
	}
	if result.Tx.Method != "bondExtra" || result.Tx.Args[0] != "Rewards" {
		t.Fatalf("复投应调用 bondExtra(Rewards)，实际 %s %v", result.Tx.Method, result.Tx.Args)
	}
}

func TestNomPoolCancelUnstakeUnsupported(t *testing.T) {
	h := nompoolFixture(nil)
	if _, err := h.HandleYieldCancelUnstake(context.Background(), "alice", 0); err != model.ErrUnsupported {
		t.Fatalf("提名池不支持取消解押，实际 %v", err)
	}
}

func TestNomPoolMemberWithOnlyUnbondingIsNotEarning(t *testing.T) {
	h := nompoolFixture(map[string]string{
		"nominationPools_queryMembers": `{"current_era":100,"era_hours":6,"members":[{"pool_id":7,"pool_state":"Open","active":"0","unbonding":[{"value":"200","era":105}]}]}`,
	})

	positions, err := h.fetchPositions(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("查询成员失败: %v", err)
	}
	pos := positions[0]
	if pos.Status != model.NotEarning {
		t.Fatalf("质押全部在解锁中时状态应为 NOT_EARNING，实际 %s", pos.Status)
	}
	if !pos.TotalStake.Equal(dec(200)) {
		t.Fatalf("总质押应为 200，实际 %s", pos.TotalStake)
	}
	if !decimal.Zero.Equal(pos.ActiveStake) {
		t.Fatalf("活跃质押应为零，实际 %s", pos.ActiveStake)
	}
}
