package reactive

import (
	"testing"
	"time"
)

type stamped struct {
	Value string
	TS    int64
}

func stampedSubject() *Subject[stamped] {
	return NewSubject[stamped](func(old, incoming stamped) bool {
		return incoming.TS > old.TS
	})
}

func TestSubjectGateRejectsStaleWrite(t *testing.T) {
	s := stampedSubject()

	if !s.Upsert("k", stamped{Value: "new", TS: 200}) {
		t.Fatal("首次写入应被接受")
	}
	if s.Upsert("k", stamped{Value: "old", TS: 100}) {
		t.Fatal("时间戳更旧的写入应被拒绝")
	}

	got, ok := s.Get("k")
	if !ok || got.Value != "new" {
		t.Fatalf("乱序写入后应保留较新值, 实际 %#v", got)
	}
}

func TestSubjectUpsertManyReturnsAcceptedSubset(t *testing.T) {
	s := stampedSubject()
	s.Upsert("a", stamped{Value: "a1", TS: 10})

	accepted := s.UpsertMany(map[string]stamped{
		"a": {Value: "a0", TS: 5},
		"b": {Value: "b1", TS: 1},
	})

	if len(accepted) != 1 {
		t.Fatalf("应只接受 1 条, 实际 %d", len(accepted))
	}
	if _, ok := accepted["b"]; !ok {
		t.Fatal("新键 b 应被接受")
	}
}

func TestSubjectSubscribeReceivesDeltas(t *testing.T) {
	s := stampedSubject()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Upsert("k", stamped{Value: "v", TS: 1})

	select {
	case delta := <-ch:
		if delta["k"].Value != "v" {
			t.Fatalf("增量内容不正确: %#v", delta)
		}
	case <-time.After(time.Second):
		t.Fatal("订阅者应收到增量")
	}
}

func TestSubjectRejectedWriteDoesNotBroadcast(t *testing.T) {
	s := stampedSubject()
	s.Upsert("k", stamped{Value: "new", TS: 100})

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Upsert("k", stamped{Value: "old", TS: 50})

	select {
	case delta := <-ch:
		t.Fatalf("被拒绝的写入不应广播: %#v", delta)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubjectCancelIsIdempotent(t *testing.T) {
	s := stampedSubject()
	_, cancel := s.Subscribe()
	cancel()
	cancel()

	// 取消后的写入不应崩溃。
	s.Upsert("k", stamped{Value: "v", TS: 1})
}

func TestSubjectDeleteByPredicate(t *testing.T) {
	s := stampedSubject()
	s.Upsert("keep", stamped{Value: "x", TS: 1})
	s.Upsert("drop-1", stamped{Value: "y", TS: 1})
	s.Upsert("drop-2", stamped{Value: "z", TS: 1})

	removed := s.Delete(func(key string, _ stamped) bool {
		return key != "keep"
	})

	if removed != 2 {
		t.Fatalf("应删除 2 条, 实际 %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("剩余条数应为 1, 实际 %d", s.Len())
	}
}
