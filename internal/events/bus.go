// Package events provides a publish/subscribe bus for operational
// events. Components (agent loop, dispatcher, email poller, sync) publish;
// the WebSocket handler subscribes. Publish on a nil *Bus is a no-op so
// components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent      = "agent"
	SourceDispatcher = "dispatcher"
	SourceEmail      = "email"
	SourceSync       = "sync"
	SourceTasks      = "tasks"
	SourceConnwatch  = "connwatch"
)

// Kinds.
const (
	// KindTurnStart: user_id, session_id.
	KindTurnStart = "turn_start"
	// KindLLMResponse: session_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolDone: session_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnSuspended: session_id, task_id, contact_email.
	KindTurnSuspended = "turn_suspended"
	// KindTurnComplete: session_id, iterations, exhausted.
	KindTurnComplete = "turn_complete"

	// KindEventReceived: user_id, sender, event_id.
	KindEventReceived = "event_received"
	// KindTaskResumed: task_id, tool, outcome.
	KindTaskResumed = "task_resumed"
	// KindInstructionFired: instruction_id, action.
	KindInstructionFired = "instruction_fired"

	// KindPollComplete: new_messages, users.
	KindPollComplete = "poll_complete"
	// KindSyncComplete: user_id, emails, contacts.
	KindSyncComplete = "sync_complete"
	// KindTasksExpired: expired, ttl.
	KindTasksExpired = "tasks_expired"

	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe take the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish stamps e (if it has no timestamp) and fans it out.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
