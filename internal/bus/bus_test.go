package bus

import "testing"

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	b := NewInMemory()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Type: AccountRemove, Address: "alice"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != AccountRemove || ev.Address != "alice" {
				t.Fatalf("订阅者 %d 收到错误事件: %+v", i, ev)
			}
		default:
			t.Fatalf("订阅者 %d 未收到事件", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewInMemory()
	_, cancel := b.Subscribe()
	defer cancel()

	// The subscriber buffer holds 32; extra events are dropped, not queued
	// against the publisher.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TransactionDone, TxType: "staking"})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewInMemory()
	ch, cancel := b.Subscribe()

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("取消后通道应已关闭")
	}

	// Publishing after cancellation must not panic on the closed channel.
	b.Publish(Event{Type: ChainUpdateState, Chain: "westend"})
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := NewInMemory()
	_, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	cancel1()
	b.Publish(Event{Type: ChainUpdateState, Chain: "westend"})

	select {
	case ev := <-ch2:
		if ev.Chain != "westend" {
			t.Fatalf("收到错误事件: %+v", ev)
		}
	default:
		t.Fatal("存活的订阅者应继续收到事件")
	}
}
