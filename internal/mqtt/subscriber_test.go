package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/dispatch"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []dispatch.Event
	out    *dispatch.Outcome
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev dispatch.Event) (*dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.out, f.err
}

type published struct {
	topic   string
	payload []byte
}

func testSubscriber(d Dispatcher, rate int) (*Subscriber, *[]published) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSubscriber(config.MQTTConfig{Topic: "steward/events", ClientID: "steward", RateLimit: rate}, d, nil, logger)
	var (
		mu  sync.Mutex
		got []published
	)
	s.publish = func(_ context.Context, topic string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, published{topic, payload})
		return nil
	}
	return s, &got
}

func TestHandle_DispatchesAndPublishesOutcome(t *testing.T) {
	d := &fakeDispatcher{out: &dispatch.Outcome{Status: dispatch.StatusResumed, Tool: "create_event"}}
	s, pubs := testSubscriber(d, 10)

	s.handle(context.Background(), "steward/events", []byte(`{"user_id":"u1","id":"e1","sender":"bob@x.com","body":"Thursday"}`))

	if len(d.events) != 1 || d.events[0].Source != SourceMQTT || d.events[0].Sender != "bob@x.com" {
		t.Fatalf("events = %+v", d.events)
	}
	if len(*pubs) != 1 || (*pubs)[0].topic != "steward/events/outcomes" {
		t.Fatalf("published = %+v", *pubs)
	}
	var msg outcomeMessage
	if err := json.Unmarshal((*pubs)[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.EventID != "e1" || msg.Outcome == nil || msg.Outcome.Status != dispatch.StatusResumed {
		t.Errorf("outcome message = %+v", msg)
	}
}

func TestHandle_BadPayload(t *testing.T) {
	d := &fakeDispatcher{}
	s, pubs := testSubscriber(d, 10)

	s.handle(context.Background(), "steward/events", []byte("not json"))
	if len(d.events) != 0 || len(*pubs) != 0 {
		t.Errorf("bad payload reached the dispatcher: %+v", d.events)
	}
}

func TestHandle_ErrorsAreGeneric(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("llm chat: 401 from upstream with secret details")}
	s, pubs := testSubscriber(d, 10)

	s.handle(context.Background(), "steward/events", []byte(`{"user_id":"u1","sender":"a@b.c","body":"x"}`))
	var msg outcomeMessage
	_ = json.Unmarshal((*pubs)[0].payload, &msg)
	if msg.Error != "event could not be processed" {
		t.Errorf("Error = %q", msg.Error)
	}
}

func TestReceive_RateLimited(t *testing.T) {
	d := &fakeDispatcher{out: &dispatch.Outcome{Status: dispatch.StatusProcessed}}
	s, _ := testSubscriber(d, 2)

	payload := []byte(`{"user_id":"u1","sender":"a@b.c","body":"x"}`)
	for range 5 {
		s.receive(context.Background(), "steward/events", payload)
	}
	s.wg.Wait()

	if len(d.events) != 2 {
		t.Errorf("dispatched %d events, want 2", len(d.events))
	}
	if dropped := s.limiter.dropped.Load(); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestAwaitConnection_NotStarted(t *testing.T) {
	s := NewSubscriber(config.MQTTConfig{Topic: "steward/events"}, &fakeDispatcher{}, nil, nil)
	if err := s.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() before Start should fail")
	}
}
