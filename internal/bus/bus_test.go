package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindActionSynced, Timestamp: time.Now(), Payload: "a1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindActionSynced {
			t.Errorf("got kind %q, want %s", evt.Kind, KindActionSynced)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Emit(KindNetStatus, nil)
	b.Emit(KindReconciled, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindReconciled {
			t.Errorf("got kind %q, want %s", evt.Kind, KindReconciled)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	before := time.Now()
	b.Emit(KindPushMessage, 1)
	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v before %v", evt.Timestamp, before)
	}
}

func TestEmitOnNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindCacheUpdated, nil)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	unsub()

	b.Emit(KindNetStatus, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
