// Package dispatch handles inbound external events. An event first
// goes to the oldest task waiting for the sender's reply; only when no
// task matches are the user's standing instructions evaluated against
// it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/metrics"
	"github.com/nugget/steward/internal/tasks"
	"github.com/nugget/steward/internal/usage"
)

// ErrValidation means the event is missing a required field. Nothing
// was changed.
var ErrValidation = errors.New("invalid event")

// Outcome statuses.
const (
	StatusProcessed = "processed"
	StatusResumed   = "resumed"
	StatusDuplicate = "duplicate"
)

const defaultDedupeSize = 1024

// Outcome reports what an event did.
type Outcome struct {
	Status string `json:"status"`
	// Result is the resumption message when a waiting task matched.
	Result string   `json:"result,omitempty"`
	TaskID string   `json:"task_id,omitempty"`
	Tool   string   `json:"tool,omitempty"`
	Fired  []Effect `json:"fired,omitempty"`
}

// ToolRunner is the registry surface resumption needs.
type ToolRunner interface {
	Invoker
	Definitions() []map[string]any
}

// InstructionLister lists a user's active instructions.
type InstructionLister interface {
	ListActive(userID string) ([]*instructions.Instruction, error)
}

// Config tunes the dispatcher.
type Config struct {
	Model      string
	DedupeSize int // recent event IDs remembered; default 1024
}

// UsageRecorder stores per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Deps are the dispatcher's collaborators. Interpreter defaults to
// SubstringInterpreter over Tools. Usage, Bus and Metrics may be nil.
type Deps struct {
	LLM          llm.Client
	Tools        ToolRunner
	Tasks        *tasks.Store
	Instructions InstructionLister
	Interpreter  Interpreter
	Usage        UsageRecorder
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Dispatcher routes events to resumption or instructions.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	seen   *lru.Cache[string, time.Time]
	logger *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.LLM == nil || deps.Tools == nil || deps.Tasks == nil || deps.Instructions == nil {
		return nil, fmt.Errorf("dispatch: LLM, Tools, Tasks and Instructions are required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("dispatch: model is required")
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	if deps.Interpreter == nil {
		deps.Interpreter = SubstringInterpreter{Tools: deps.Tools}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	seen, err := lru.New[string, time.Time](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch deduper init: %w", err)
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		seen:   seen,
		logger: deps.Logger.With("component", "dispatch"),
	}, nil
}

// Dispatch handles one event. The first waiting task whose counterparty
// is the sender decides the outcome, whether or not it resumes. Only
// when no task matches, or the match was claimed by a concurrent event,
// does every matching active instruction fire.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	if err := ev.validate(); err != nil {
		d.deps.Metrics.Event(ev.Source, "invalid")
		return nil, err
	}
	log := d.logger.With("user_id", ev.UserID, "sender", ev.Sender, "event_id", ev.ID)

	if ev.ID != "" {
		key := ev.UserID + "\x00" + ev.ID
		if seen, _ := d.seen.ContainsOrAdd(key, time.Now()); seen {
			log.Debug("duplicate event ignored")
			d.deps.Metrics.Event(ev.Source, StatusDuplicate)
			return &Outcome{Status: StatusDuplicate}, nil
		}
		out, err := d.dispatch(ctx, ev, log)
		if err != nil {
			// Let a redelivery retry.
			d.seen.Remove(key)
		}
		return out, err
	}
	return d.dispatch(ctx, ev, log)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event, log *slog.Logger) (*Outcome, error) {
	d.deps.Bus.Emit(events.SourceDispatcher, events.KindEventReceived, map[string]any{
		"user_id": ev.UserID, "sender": ev.Sender, "event_id": ev.ID,
	})

	out := &Outcome{Status: StatusProcessed}

	waiting, err := d.deps.Tasks.Awaiting(ev.UserID)
	if err != nil {
		d.deps.Metrics.Event(ev.Source, "error")
		return nil, fmt.Errorf("list waiting tasks: %w", err)
	}
	for _, task := range waiting {
		if !task.MatchesSender(ev.Sender) {
			continue
		}
		res, err := d.resume(ctx, task, ev, log)
		if err != nil {
			d.deps.Metrics.Event(ev.Source, "error")
			return nil, err
		}
		if res.lost {
			break
		}
		out.TaskID = task.ID
		out.Result = res.message
		if res.resumed {
			out.Status = StatusResumed
			out.Tool = res.tool
			d.deps.Metrics.Event(ev.Source, StatusResumed)
			return out, nil
		}
		// The sender is mid-negotiation; instructions must not act on it.
		d.deps.Metrics.Event(ev.Source, StatusProcessed)
		return out, nil
	}

	fired, err := d.applyInstructions(ctx, ev, log)
	if err != nil {
		d.deps.Metrics.Event(ev.Source, "error")
		return nil, err
	}
	out.Fired = fired
	d.deps.Metrics.Event(ev.Source, StatusProcessed)
	return out, nil
}

func (d *Dispatcher) applyInstructions(ctx context.Context, ev Event, log *slog.Logger) ([]Effect, error) {
	active, err := d.deps.Instructions.ListActive(ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}

	var fired []Effect
	for _, in := range active {
		rule := d.deps.Interpreter.Rule(in)
		if !rule.Matches(ev) {
			continue
		}
		eff, err := rule.Apply(ctx, ev)
		label := "noop"
		switch {
		case err != nil:
			label = "error"
			log.Warn("instruction action failed", "instruction_id", in.ID, "error", err)
		case len(eff.Tools) > 0:
			label = "applied"
			log.Info("instruction fired", "instruction_id", in.ID, "tools", eff.Tools)
		default:
			log.Debug("instruction matched with no recognized action", "instruction_id", in.ID, "action", in.Action)
		}
		d.deps.Metrics.InstructionFired(label)
		d.deps.Bus.Emit(events.SourceDispatcher, events.KindInstructionFired, map[string]any{
			"instruction_id": in.ID, "action": in.Action, "tools": eff.Tools,
		})
		fired = append(fired, eff)
	}
	return fired, nil
}
