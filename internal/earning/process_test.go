package earning

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestProcessLifecycle(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("DOT___native-staking___polkadot", "alice", 3)

	if rec.State != ProcessIdle || rec.CurrentStep != 0 {
		t.Fatalf("新流程应处于 IDLE 第 0 步，实际 %s 第 %d 步", rec.State, rec.CurrentStep)
	}

	if err := book.markValidating(rec.ID); err != nil {
		t.Fatalf("进入校验失败: %v", err)
	}
	if err := book.markValidated(rec.ID); err != nil {
		t.Fatalf("校验通过失败: %v", err)
	}
	got, _ := book.get(rec.ID)
	if got.State != ProcessIdle || got.CurrentStep != 1 {
		t.Fatalf("校验通过后应回到 IDLE 且游标为 1，实际 %s 第 %d 步", got.State, got.CurrentStep)
	}

	// Step 1 then step 2 close a 3-step plan.
	if err := book.markSubmitting(rec.ID, 1); err != nil {
		t.Fatalf("提交第 1 步失败: %v", err)
	}
	if err := book.markStepDone(rec.ID, 1); err != nil {
		t.Fatalf("完成第 1 步失败: %v", err)
	}
	got, _ = book.get(rec.ID)
	if got.CurrentStep != 2 || got.State != ProcessIdle {
		t.Fatalf("完成第 1 步后游标应为 2，实际 %d", got.CurrentStep)
	}

	if err := book.markSubmitting(rec.ID, 2); err != nil {
		t.Fatalf("提交第 2 步失败: %v", err)
	}
	if err := book.markStepDone(rec.ID, 2); err != nil {
		t.Fatalf("完成第 2 步失败: %v", err)
	}
	got, _ = book.get(rec.ID)
	if got.State != ProcessDone {
		t.Fatalf("完成末步后流程应为 DONE，实际 %s", got.State)
	}
}

func TestProcessRefusesStepMismatch(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("slug", "alice", 3)
	if err := book.markValidating(rec.ID); err != nil {
		t.Fatalf("进入校验失败: %v", err)
	}
	if err := book.markValidated(rec.ID); err != nil {
		t.Fatalf("校验通过失败: %v", err)
	}

	if err := book.markSubmitting(rec.ID, 2); err == nil {
		t.Fatal("跳步提交应被拒绝")
	}
	if err := book.markSubmitting(rec.ID, 0); err == nil {
		t.Fatal("回退提交应被拒绝")
	}
	if err := book.markSubmitting(rec.ID, 1); err != nil {
		t.Fatalf("按游标提交应成功: %v", err)
	}
}

func TestProcessValidationFailureReturnsToIdle(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("slug", "alice", 2)
	if err := book.markValidating(rec.ID); err != nil {
		t.Fatalf("进入校验失败: %v", err)
	}
	if err := book.markValidationFailed(rec.ID); err != nil {
		t.Fatalf("记录校验失败出错: %v", err)
	}
	got, _ := book.get(rec.ID)
	if got.State != ProcessIdle || got.CurrentStep != 0 {
		t.Fatalf("校验失败后应回到 IDLE 第 0 步，实际 %s 第 %d 步", got.State, got.CurrentStep)
	}
}

func TestProcessUserRejectionOnFirstStepRollsBackSilently(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("slug", "alice", 3)
	book.markValidating(rec.ID)
	book.markValidated(rec.ID)
	book.markSubmitting(rec.ID, 1)

	if err := book.markFailed(rec.ID, 1, true); err != nil {
		t.Fatalf("记录用户拒绝失败: %v", err)
	}
	got, _ := book.get(rec.ID)
	if got.State != ProcessIdle || got.CurrentStep != 1 {
		t.Fatalf("首个可执行步骤被拒绝应回到 IDLE，实际 %s 第 %d 步", got.State, got.CurrentStep)
	}

	// Retrying the same step still works.
	if err := book.markSubmitting(rec.ID, 1); err != nil {
		t.Fatalf("拒绝后重试应成功: %v", err)
	}
}

func TestProcessLateFailureRollsBackToFailedStep(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("slug", "alice", 3)
	book.markValidating(rec.ID)
	book.markValidated(rec.ID)
	book.markSubmitting(rec.ID, 1)
	book.markStepDone(rec.ID, 1)
	book.markSubmitting(rec.ID, 2)

	// A user rejection after funds already moved is no longer harmless.
	if err := book.markFailed(rec.ID, 2, true); err != nil {
		t.Fatalf("记录失败出错: %v", err)
	}
	got, _ := book.get(rec.ID)
	if got.State != ProcessRollback {
		t.Fatalf("中途失败应进入 ERROR_ROLLBACK，实际 %s", got.State)
	}
	if got.CurrentStep != 2 {
		t.Fatalf("回滚后游标应停在失败的第 2 步，实际 %d", got.CurrentStep)
	}
}

func TestProcessFailedStepCanBeRetried(t *testing.T) {
	book := newProcessBook()
	rec := book.begin("slug", "alice", 3)
	book.markValidating(rec.ID)
	book.markValidated(rec.ID)
	book.markSubmitting(rec.ID, 1)
	book.markStepDone(rec.ID, 1)
	book.markSubmitting(rec.ID, 2)

	if err := book.markFailed(rec.ID, 2, false); err != nil {
		t.Fatalf("记录失败出错: %v", err)
	}

	// Only the failed step is retryable; earlier confirmed steps stay done.
	if err := book.markSubmitting(rec.ID, 1); err == nil {
		t.Fatal("已确认的步骤不应再被提交")
	}
	if err := book.markSubmitting(rec.ID, 2); err != nil {
		t.Fatalf("回滚状态下重试失败步骤应成功: %v", err)
	}
	if err := book.markStepDone(rec.ID, 2); err != nil {
		t.Fatalf("重试完成末步失败: %v", err)
	}
	got, _ := book.get(rec.ID)
	if got.State != ProcessDone {
		t.Fatalf("重试成功后流程应为 DONE，实际 %s", got.State)
	}
}

func TestProcessDropRemovesTerminalRecords(t *testing.T) {
	book := newProcessBook()
	done := book.begin("slug", "alice", 2)
	book.markValidating(done.ID)
	book.markValidated(done.ID)
	book.markSubmitting(done.ID, 1)
	book.markStepDone(done.ID, 1)

	active := book.begin("slug", "bob", 2)

	if n := book.drop(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("应清理 1 条终态记录，实际 %d", n)
	}
	if _, ok := book.get(done.ID); ok {
		t.Fatal("终态记录应已被清理")
	}
	if _, ok := book.get(active.ID); !ok {
		t.Fatal("进行中的记录不应被清理")
	}
}

func TestProcessUnknownID(t *testing.T) {
	book := newProcessBook()
	if err := book.markValidating(uuid.New()); err == nil {
		t.Fatal("未知流程应返回错误")
	}
}
