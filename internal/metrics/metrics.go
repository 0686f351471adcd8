// Package metrics exposes Prometheus collectors for agent turns, tool
// calls, inbound events and task lifecycle. Every method is a no-op on
// a nil *Metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steward"

// Metrics holds the collectors.
type Metrics struct {
	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	llmTokens    *prometheus.CounterVec
	events       *prometheus.CounterVec
	resumptions  *prometheus.CounterVec
	instructions *prometheus.CounterVec
	tasksExpired prometheus.Counter
	mailPolled   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "turns_total",
			Help: "Chat turns by outcome (answered, suspended, exhausted, failed, error).",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "turn_duration_seconds",
			Help:    "Wall time of a chat turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tools", Name: "calls_total",
			Help: "Tool invocations by tool and result (ok, invalid_arguments, unknown_tool, provider_failure).",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tools", Name: "call_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "Tokens exchanged with the model by direction (input, output).",
		}, []string{"model", "direction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "events_total",
			Help: "Inbound events by source and outcome.",
		}, []string{"source", "outcome"}),
		resumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "resumptions_total",
			Help: "Task resumption attempts by result (completed, declined, lost, failed).",
		}, []string{"result"}),
		instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "instructions_fired_total",
			Help: "Instructions whose condition matched, by applied effect.",
		}, []string{"effect"}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "expired_total",
			Help: "Waiting tasks moved to expired by the sweeper.",
		}),
		mailPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "email", Name: "messages_received_total",
			Help: "New inbound messages found by the IMAP poller.",
		}),
	}

	collectors := []prometheus.Collector{
		m.turns, m.turnDuration, m.toolCalls, m.toolDuration, m.llmTokens,
		m.events, m.resumptions, m.instructions, m.tasksExpired, m.mailPolled,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Turn records a finished chat turn.
func (m *Metrics) Turn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Tokens records model usage.
func (m *Metrics) Tokens(model string, in, out int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "input").Add(float64(in))
	m.llmTokens.WithLabelValues(model, "output").Add(float64(out))
}

// Event records a dispatched event.
func (m *Metrics) Event(source, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, outcome).Inc()
}

// Resumption records a resumption attempt.
func (m *Metrics) Resumption(result string) {
	if m == nil {
		return
	}
	m.resumptions.WithLabelValues(result).Inc()
}

// InstructionFired records a matched instruction.
func (m *Metrics) InstructionFired(effect string) {
	if m == nil {
		return
	}
	m.instructions.WithLabelValues(effect).Inc()
}

// TasksExpired records a sweep.
func (m *Metrics) TasksExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksExpired.Add(float64(n))
}

// MailReceived records messages found by the poller.
func (m *Metrics) MailReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mailPolled.Add(float64(n))
}
