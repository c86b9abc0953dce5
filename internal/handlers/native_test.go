package handlers

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

func nativePos(active int64) *model.YieldPositionInfo {
	pos := model.EmptyPosition("WND___native-staking___westend", "westend", "alice", model.NativeStaking)
	pos.ActiveStake = decimal.NewFromInt(active)
	pos.Normalize()
	return &pos
}

func TestValidateNativeJoinProjectedStake(t *testing.T) {
	pos := nativePos(0)
	target := model.PoolTarget{Address: "validator-1", MinStake: dec(300)}

	errs := validateNativeJoin(pos, dec(250), []model.PoolTarget{target}, dec(100), 16)
	if len(errs) != 1 || errs[0].Reason != model.ReasonNotEnoughMinStake {
		t.Fatalf("低于目标最小质押时应返回 NOT_ENOUGH_MIN_STAKE，实际 %v", errs)
	}

	if errs := validateNativeJoin(pos, dec(300), []model.PoolTarget{target}, dec(100), 16); len(errs) != 0 {
		t.Fatalf("达到目标最小质押时不应有错误，实际 %v", errs[0])
	}
}

func TestValidateNativeJoinCountsExistingStakeTowardsTarget(t *testing.T) {
	pos := nativePos(250)
	pos.Nominations = []model.NominationInfo{{
		ValidatorAddress: "validator-1",
		ActiveStake:      dec(250),
	}}
	target := model.PoolTarget{Address: "validator-1", MinStake: dec(300)}

	// 250 already bonded toward the target; 50 more clears its minimum.
	if errs := validateNativeJoin(pos, dec(50), []model.PoolTarget{target}, dec(100), 16); len(errs) != 0 {
		t.Fatalf("已有质押应计入预期质押额，实际 %v", errs[0])
	}
}

func TestValidateNativeJoinNominationCap(t *testing.T) {
	pos := nativePos(1000)
	for i := 0; i < 2; i++ {
		pos.Nominations = append(pos.Nominations, model.NominationInfo{
			ValidatorAddress: string(rune('a' + i)),
			ActiveStake:      pos.ActiveStake,
		})
	}
	fresh := model.PoolTarget{Address: "validator-new"}

	errs := validateNativeJoin(pos, dec(500), []model.PoolTarget{fresh}, decimal.Zero, 2)
	if len(errs) != 1 || errs[0].Reason != model.ReasonExceedMaxNomination {
		t.Fatalf("超出提名上限时应返回 EXCEED_MAX_NOMINATIONS，实际 %v", errs)
	}

	// Re-selecting an existing nomination does not consume a new slot.
	existing := model.PoolTarget{Address: "a"}
	if errs := validateNativeJoin(pos, dec(500), []model.PoolTarget{existing}, decimal.Zero, 2); len(errs) != 0 {
		t.Fatalf("重复选择已提名目标不应触发上限，实际 %v", errs[0])
	}
}

func TestValidateNativeJoinRejectsPendingUnstakeTarget(t *testing.T) {
	pos := nativePos(1000)
	pos.Unstakings = []model.UnstakingInfo{{
		Chain:            "westend",
		Status:           model.UnstakeUnlocking,
		ClaimableAmount:  dec(100),
		ValidatorAddress: "validator-1",
	}}
	pos.Normalize()
	target := model.PoolTarget{Address: "validator-1"}

	errs := validateNativeJoin(pos, dec(500), []model.PoolTarget{target}, decimal.Zero, 16)
	if len(errs) != 1 || errs[0].Reason != model.ReasonExistingUnstake {
		t.Fatalf("目标存在待提现请求时应返回 EXISTING_UNSTAKE_REQUEST，实际 %v", errs)
	}
}

func TestValidateNativeLeavePartialBelowMinimum(t *testing.T) {
	pos := nativePos(1000)

	errs, fullExit := validateNativeLeave(pos, dec(950), dec(100), 0)
	if fullExit {
		t.Fatal("部分解押不应被判定为全额退出")
	}
	if len(errs) != 1 || errs[0].Reason != model.ReasonUnstakeAll {
		t.Fatalf("剩余质押低于最小额时应返回 MUST_UNSTAKE_ALL，实际 %v", errs)
	}
}

func TestValidateNativeLeaveFullExit(t *testing.T) {
	pos := nativePos(1000)

	errs, fullExit := validateNativeLeave(pos, dec(1000), dec(100), 0)
	if len(errs) != 0 {
		t.Fatalf("全额退出不应有错误，实际 %v", errs[0])
	}
	if !fullExit {
		t.Fatal("解押全部质押应被判定为全额退出")
	}
}

func TestValidateNativeLeaveBounds(t *testing.T) {
	pos := nativePos(1000)

	if errs, _ := validateNativeLeave(pos, decimal.Zero, dec(100), 0); len(errs) != 1 || errs[0].Reason != model.ReasonInvalidAmount {
		t.Fatalf("金额为零时应返回 INVALID_AMOUNT，实际 %v", errs)
	}
	if errs, _ := validateNativeLeave(pos, dec(1001), dec(100), 0); len(errs) != 1 || errs[0].Reason != model.ReasonInvalidAmount {
		t.Fatalf("超出活跃质押时应返回 INVALID_AMOUNT，实际 %v", errs)
	}
}

func TestValidateNativeLeaveUnstakeRequestCap(t *testing.T) {
	pos := nativePos(1000)
	for i := 0; i < 3; i++ {
		pos.Unstakings = append(pos.Unstakings, model.UnstakingInfo{
			Chain:           "westend",
			Status:          model.UnstakeUnlocking,
			ClaimableAmount: dec(10),
		})
	}
	pos.Normalize()

	errs, _ := validateNativeLeave(pos, dec(500), decimal.Zero, 3)
	if len(errs) != 1 || errs[0].Reason != model.ReasonMaxUnstakeRequests {
		t.Fatalf("待提现请求已满时应返回 EXCEED_MAX_UNSTAKE_REQUESTS，实际 %v", errs)
	}
}

func TestClassifyPosition(t *testing.T) {
	cases := []struct {
		name        string
		active      int64
		unstaking   int64
		activeCount int
		targetCount int
		want        model.EarningStatus
	}{
		{"empty", 0, 0, 0, 0, model.NotStaking},
		{"all unbonding", 0, 100, 0, 1, model.NotEarning},
		{"no nominations", 100, 0, 0, 0, model.NotEarning},
		{"all waiting", 100, 0, 0, 2, model.WaitingForEarning},
		{"partially active", 100, 0, 1, 2, model.PartiallyEarning},
		{"fully active", 100, 0, 2, 2, model.EarningReward},
	}
	for _, tc := range cases {
		pos := nativePos(tc.active)
		if tc.unstaking > 0 {
			pos.Unstakings = []model.UnstakingInfo{{
				Chain:           "westend",
				Status:          model.UnstakeUnlocking,
				ClaimableAmount: decimal.NewFromInt(tc.unstaking),
			}}
			pos.Normalize()
		}
		if got := classifyPosition(pos, tc.activeCount, tc.targetCount); got != tc.want {
			t.Fatalf("%s: 状态应为 %s，实际 %s", tc.name, tc.want, got)
		}
	}
}

func TestParseLedgerPositionUnlockSchedule(t *testing.T) {
	h := planFixture(fakeBalances{}, decimal.Zero, nil)
	item := gjson.Parse(`{
		"active": "800",
		"total": "1000",
		"unlocking": [
			{"value": "150", "era": 103},
			{"value": "50", "era": 99}
		],
		"nominations": {"targets": ["v1", "v2"]},
		"active_targets": ["v1"]
	}`)

	pos := h.parseLedgerPosition("alice", item, 100, 6, 1000)
	if !pos.ActiveStake.Equal(dec(800)) {
		t.Fatalf("活跃质押应为 800，实际 %s", pos.ActiveStake)
	}
	if len(pos.Unstakings) != 2 {
		t.Fatalf("应解析出 2 条解锁记录，实际 %d", len(pos.Unstakings))
	}
	first := pos.Unstakings[0]
	if first.Status != model.UnstakeUnlocking || first.WaitingTimeHours == nil || *first.WaitingTimeHours != 18 {
		t.Fatalf("未来纪元的解锁应为 UNLOCKING 且等待 18 小时，实际 %+v", first)
	}
	if pos.Unstakings[1].Status != model.UnstakeClaimable {
		t.Fatalf("已过纪元的解锁应为 CLAIMABLE，实际 %s", pos.Unstakings[1].Status)
	}
	if pos.Status != model.PartiallyEarning {
		t.Fatalf("一半目标活跃时状态应为 PARTIALLY_EARNING，实际 %s", pos.Status)
	}
	if !pos.TotalStake.Equal(dec(1000)) {
		t.Fatalf("总质押应为 800+200=1000，实际 %s", pos.TotalStake)
	}
}

func TestParseTargets(t *testing.T) {
	items := gjson.Parse(`[
		{"address": "v1", "identity": "Validator One", "commission": "0.05",
		 "total_stake": "5000", "own_stake": "1000", "min_stake": "10",
		 "nominator_count": 256, "max_nominator_count": 256, "verified": true}
	]`).Array()

	targets, err := parseTargets(items)
	if err != nil {
		t.Fatalf("解析目标失败: %v", err)
	}
	got := targets[0]
	if !got.OtherStake.Equal(dec(4000)) {
		t.Fatalf("他人质押应为 4000，实际 %s", got.OtherStake)
	}
	if !got.IsCrowded {
		t.Fatal("提名人数已满时应标记为拥挤")
	}

	if _, err := parseTargets(gjson.Parse(`[{"identity":"nameless"}]`).Array()); err == nil {
		t.Fatal("缺少地址的目标应返回错误")
	}
}

func TestRelayHandleYieldLeaveFullExit(t *testing.T) {
	h := planFixture(fakeBalances{}, dec(50), map[string]string{
		"staking_queryLedgers": `{"current_era":100,"era_hours":6,"ledgers":[{"active":"800"}]}`,
	})

	result, err := h.HandleYieldLeave(context.Background(), LeaveData{Address: "alice", Amount: dec(800)})
	if err != nil {
		t.Fatalf("构建全额退出失败: %v", err)
	}
	tx := result.Tx
	if tx == nil || tx.Module != "utility" || tx.Method != "batchAll" {
		t.Fatalf("全额退出应为 utility.batchAll，实际 %+v", tx)
	}
	if len(tx.Args) != 2 || tx.Args[0] != "staking.chill()" || tx.Args[1] != "staking.unbond(800)" {
		t.Fatalf("全额退出应先 chill 再解绑全部，实际 %v", tx.Args)
	}
}

func TestRelayHandleYieldLeavePartial(t *testing.T) {
	h := planFixture(fakeBalances{}, dec(50), map[string]string{
		"staking_queryLedgers": `{"current_era":100,"era_hours":6,"ledgers":[{"active":"800"}]}`,
	})

	result, err := h.HandleYieldLeave(context.Background(), LeaveData{Address: "alice", Amount: dec(300)})
	if err != nil {
		t.Fatalf("构建部分解绑失败: %v", err)
	}
	tx := result.Tx
	if tx == nil || tx.Module != "staking" || tx.Method != "unbond" {
		t.Fatalf("部分退出应为 staking.unbond，实际 %+v", tx)
	}
	if len(tx.Args) != 1 || tx.Args[0] != "300" {
		t.Fatalf("解绑额应为 300，实际 %v", tx.Args)
	}
}

func parachainFixture(responses map[string]string) *ParachainHandler {
	registry := chain.NewRegistry()
	registry.RegisterChain(&chain.Entry{
		Slug:        "moonbase",
		Kind:        model.ChainSubstrate,
		NativeAsset: "moonbase-DEV",
		Caller:      &fakeCaller{slug: "moonbase", responses: responses},
	})
	registry.RegisterAsset(chain.Asset{Slug: "moonbase-DEV", Symbol: "DEV", Chain: "moonbase", Decimals: 18, IsNative: true})

	deps := Deps{
		Registry: registry,
		Balances: fakeBalances{},
		Xcm:      &fakeXcm{},
		Logger:   noopLogger(),
	}
	return NewParachain("DEV", "moonbase", model.YieldPoolMetadata{InputAsset: "moonbase-DEV"}, deps)
}

func TestParachainHandleYieldLeaveFullRevoke(t *testing.T) {
	h := parachainFixture(map[string]string{
		"parachainStaking_queryDelegatorStates": `{"states":[{"delegations":[{"collator":"c1","amount":"500","in_top":true}]}]}`,
	})

	ctx := context.Background()
	result, err := h.HandleYieldLeave(ctx, LeaveData{Address: "alice", Amount: dec(500), Target: "c1"})
	if err != nil {
		t.Fatalf("构建撤销委托失败: %v", err)
	}
	tx := result.Tx
	if tx == nil || tx.Method != "scheduleRevokeDelegation" {
		t.Fatalf("退出全部委托额应调度 scheduleRevokeDelegation，实际 %+v", tx)
	}
	if len(tx.Args) != 1 || tx.Args[0] != "c1" {
		t.Fatalf("撤销目标应为 c1，实际 %v", tx.Args)
	}

	result, err = h.HandleYieldLeave(ctx, LeaveData{Address: "alice", Amount: dec(200), Target: "c1"})
	if err != nil {
		t.Fatalf("构建减少委托失败: %v", err)
	}
	if result.Tx == nil || result.Tx.Method != "scheduleDelegatorBondLess" {
		t.Fatalf("部分退出应调度 scheduleDelegatorBondLess，实际 %+v", result.Tx)
	}
}
