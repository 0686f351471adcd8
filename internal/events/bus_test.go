package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceAgent, KindTurnStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceDispatcher, KindTaskResumed, map[string]any{"task_id": "t1"})

	select {
	case got := <-ch:
		if got.Timestamp.IsZero() {
			t.Error("Timestamp is zero, want stamped")
		}
		if got.Data["task_id"] != "t1" {
			t.Errorf("task_id = %v, want t1", got.Data["task_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 3
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceEmail, KindPollComplete, nil)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindPollComplete {
				t.Errorf("subscriber %d: kind = %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindTurnStart, nil)
	b.Emit(SourceAgent, KindTurnComplete, nil)

	got := <-ch
	if got.Kind != KindTurnStart {
		t.Errorf("first event kind = %q, want %q", got.Kind, KindTurnStart)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second event %v", extra)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(1000)
	defer b.Unsubscribe(ch)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Emit(SourceAgent, KindToolDone, nil)
			}
		}()
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}
