// Package agent runs chat turns: it assembles the conversation, calls
// the model, dispatches tool calls through the registry, and suspends
// the turn as a durable task when a tool needs a counterparty's reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/metrics"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/retrieval"
	"github.com/nugget/steward/internal/tasks"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

var (
	// ErrTurnFailed means a provider failed mid-turn. The turn ended
	// with a user-visible failure answer.
	ErrTurnFailed = errors.New("turn failed")
	// ErrEmptyMessage means the request had no user text.
	ErrEmptyMessage = errors.New("message is required")
)

// SchedulingTaskType is the task type recorded for a suspended turn.
const SchedulingTaskType = "schedule_meeting"

// skippedToolResult answers tool calls left unexecuted when a turn
// ends early, so replayed history stays well formed.
const skippedToolResult = "Skipped: the turn ended before this call ran."

// Registry is the tool surface the loop needs.
type Registry interface {
	Definitions() []map[string]any
	Invoke(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Retriever supplies context excerpts for a new session.
type Retriever interface {
	Retrieve(ctx context.Context, userID string, kind retrieval.Kind, query string, k int) ([]retrieval.Excerpt, error)
}

// InstructionLister lists a user's active standing instructions.
type InstructionLister interface {
	ListActive(userID string) ([]*instructions.Instruction, error)
}

// UsageRecorder stores per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes the loop.
type Config struct {
	Model         string
	MaxIterations int            // default 8
	ContextItems  int            // excerpts per source in the preamble; default 5
	Location      *time.Location // for the date in the system prompt
}

// Deps are the loop's collaborators. Retriever, Usage, Bus and Metrics
// may be nil.
type Deps struct {
	LLM          llm.Client
	Tools        Registry
	Memory       *memory.Store
	Tasks        *tasks.Store
	Instructions InstructionLister
	Retriever    Retriever
	Usage        UsageRecorder
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Loop executes chat turns.
type Loop struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// NewLoop creates a loop.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	if deps.LLM == nil || deps.Tools == nil || deps.Memory == nil || deps.Tasks == nil || deps.Instructions == nil {
		return nil, fmt.Errorf("agent: LLM, Tools, Memory, Tasks and Instructions are required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("agent: model is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.ContextItems <= 0 {
		cfg.ContextItems = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("component", "agent"),
		now:  time.Now,
	}, nil
}

// TurnRequest is one user message.
type TurnRequest struct {
	UserID    string
	Message   string
	SessionID string // optional; a new session is created when empty or not the user's
}

// ToolCallRecord summarizes one tool call made during a turn.
type ToolCallRecord struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Response      string           `json:"response"`
	SessionID     string           `json:"session_id"`
	ToolCalls     []ToolCallRecord `json:"tool_calls"`
	PendingTaskID string           `json:"pending_task_id,omitempty"`
	// Proposal is the message sent to the counterparty when the turn
	// suspended.
	Proposal   string `json:"proposal,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
	Iterations int    `json:"iterations"`
}

// turn carries the state of one Turn call.
type turn struct {
	l       *Loop
	userID  string
	session string
	msgs    []llm.Message
	result  *TurnResult
	log     *slog.Logger
}

// recordUsage books one model call against the user. Failures are
// logged; accounting never fails a turn.
func (t *turn) recordUsage(ctx context.Context, resp *llm.ChatResponse) {
	if t.l.deps.Usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = t.l.cfg.Model
	}
	if err := t.l.deps.Usage.Record(ctx, usage.Record{
		UserID:       t.userID,
		SessionID:    t.session,
		Model:        model,
		Role:         usage.RoleChat,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}); err != nil {
		t.log.Warn("record usage failed", "error", err)
	}
}

// persist appends m to the transcript and the in-flight message list.
func (t *turn) persist(m llm.Message) error {
	if _, err := t.l.deps.Memory.Append(t.session, memory.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolName:   m.ToolName,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}); err != nil {
		return fmt.Errorf("persist %s message: %w", m.Role, err)
	}
	t.msgs = append(t.msgs, m)
	return nil
}

// Turn runs one chat turn. On ErrTurnFailed the returned result is
// non-nil and carries the failure answer shown to the user.
func (l *Loop) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := l.now()
	msg := strings.TrimSpace(req.Message)
	if req.UserID == "" {
		return nil, fmt.Errorf("agent: missing user")
	}
	if msg == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := l.deps.Memory.ResolveSession(req.UserID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	history, err := l.deps.Memory.Messages(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	t := &turn{
		l:       l,
		userID:  req.UserID,
		session: sess.ID,
		result:  &TurnResult{SessionID: sess.ID, ToolCalls: []ToolCallRecord{}},
		log:     l.log.With("user_id", req.UserID, "session_id", sess.ID),
	}
	for _, m := range history {
		t.msgs = append(t.msgs, m.LLM())
	}
	l.deps.Bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"user_id": req.UserID, "session_id": sess.ID,
	})

	if len(history) == 0 {
		for _, m := range l.preamble(ctx, req.UserID, msg) {
			if err := t.persist(m); err != nil {
				return nil, err
			}
		}
	}
	if err := t.persist(llm.Message{Role: llm.RoleUser, Content: msg}); err != nil {
		return nil, err
	}

	res, outcome, err := t.run(ctx)
	l.deps.Metrics.Turn(outcome, l.now().Sub(start))
	if res != nil {
		l.deps.Bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
			"session_id": sess.ID, "iterations": res.Iterations, "exhausted": res.Exhausted, "outcome": outcome,
		})
	}
	return res, err
}

func (t *turn) run(ctx context.Context) (*TurnResult, string, error) {
	l := t.l
	defs := l.deps.Tools.Definitions()
	ctx = tools.WithSessionID(ctx, t.session)

	for i := 0; i < l.cfg.MaxIterations; i++ {
		t.result.Iterations = i + 1

		resp, err := l.deps.LLM.Chat(ctx, l.cfg.Model, t.msgs, defs)
		if err != nil {
			t.log.Error("LLM call failed", "iter", i, "error", err)
			return nil, "error", fmt.Errorf("llm chat: %w", err)
		}
		l.deps.Metrics.Tokens(resp.Model, resp.InputTokens, resp.OutputTokens)
		t.recordUsage(ctx, resp)
		l.deps.Bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"session_id": t.session, "iter": i, "model": resp.Model,
			"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		if !resp.HasToolCalls() {
			answer := strings.TrimSpace(resp.Message.Content)
			if err := t.persist(llm.Message{Role: llm.RoleAssistant, Content: answer}); err != nil {
				return nil, "error", err
			}
			t.result.Response = answer
			t.log.Info("turn answered", "iterations", i+1, "tool_calls", len(t.result.ToolCalls))
			return t.result, "answered", nil
		}

		calls := resp.Message.ToolCalls
		if err := t.persist(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		}); err != nil {
			return nil, "error", err
		}

		for j, call := range calls {
			stop, outcome, err := t.dispatch(ctx, call, calls[j+1:])
			if stop {
				if outcome == "error" {
					return nil, outcome, err
				}
				return t.result, outcome, err
			}
		}
	}

	t.result.Exhausted = true
	t.result.Response = prompts.ExhaustedAnswer
	if err := t.persist(llm.Message{Role: llm.RoleAssistant, Content: prompts.ExhaustedAnswer}); err != nil {
		return nil, "error", err
	}
	t.log.Warn("turn hit iteration cap", "max_iterations", l.cfg.MaxIterations)
	return t.result, "exhausted", nil
}

// dispatch runs one tool call. stop reports that the turn is over, in
// which case the rest of the batch is answered as skipped.
func (t *turn) dispatch(ctx context.Context, call llm.ToolCall, rest []llm.ToolCall) (stop bool, outcome string, err error) {
	l := t.l
	name := call.Function.Name
	args := call.Function.Arguments

	start := l.now()
	res, invokeErr := l.deps.Tools.Invoke(ctx, tools.Call{UserID: t.userID, Name: name, Arguments: args})
	elapsed := l.now().Sub(start)

	l.deps.Metrics.ToolCall(name, resultLabel(invokeErr), elapsed)
	l.deps.Bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"session_id": t.session, "tool": name, "ok": invokeErr == nil, "duration_ms": elapsed.Milliseconds(),
	})

	record := ToolCallRecord{Tool: name, Arguments: args}
	toolMsg := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: name}

	switch {
	case invokeErr == nil && res.Suspend != nil:
		toolMsg.Content = res.Content
		if err := t.persist(toolMsg); err != nil {
			return true, "error", err
		}
		taskID, err := t.suspend(name, args, res)
		if err != nil {
			return true, "error", err
		}
		record.Result = res.Content
		record.TaskID = taskID
		t.result.ToolCalls = append(t.result.ToolCalls, record)
		if err := t.skip(rest); err != nil {
			return true, "error", err
		}

		ack := prompts.ProposalAck(res.Suspend.ContactEmail)
		if err := t.persist(llm.Message{Role: llm.RoleAssistant, Content: ack}); err != nil {
			return true, "error", err
		}
		t.result.Response = ack
		t.result.PendingTaskID = taskID
		t.result.Proposal = res.Suspend.Proposal
		return true, "suspended", nil

	case invokeErr == nil:
		toolMsg.Content = res.Content
		if err := t.persist(toolMsg); err != nil {
			return true, "error", err
		}
		record.Result = res.Content
		record.TaskID = t.audit(name, args, res)
		t.result.ToolCalls = append(t.result.ToolCalls, record)
		return false, "", nil

	case errors.Is(invokeErr, tools.ErrUnknownTool), errors.Is(invokeErr, tools.ErrInvalidArguments):
		toolMsg.Content = prompts.RejectedToolResult(invokeErr)
		if err := t.persist(toolMsg); err != nil {
			return true, "error", err
		}
		record.Error = invokeErr.Error()
		t.result.ToolCalls = append(t.result.ToolCalls, record)
		t.log.Info("tool call rejected", "tool", name, "error", invokeErr)
		return false, "", nil

	default:
		toolMsg.Content = prompts.FailedToolResult(invokeErr)
		if err := t.persist(toolMsg); err != nil {
			return true, "error", err
		}
		record.Error = invokeErr.Error()
		t.result.ToolCalls = append(t.result.ToolCalls, record)
		if err := t.skip(rest); err != nil {
			return true, "error", err
		}

		answer := prompts.ToolFailedAnswer(name)
		if err := t.persist(llm.Message{Role: llm.RoleAssistant, Content: answer}); err != nil {
			return true, "error", err
		}
		t.result.Response = answer
		t.log.Warn("turn failed on provider error", "tool", name, "error", invokeErr)
		return true, "failed", fmt.Errorf("%w: %w", ErrTurnFailed, invokeErr)
	}
}

// suspend records the waiting task that resumption will pick up.
func (t *turn) suspend(tool string, args map[string]any, res tools.Result) (string, error) {
	task := &tasks.Task{
		UserID: t.userID,
		Type:   SchedulingTaskType,
		Status: tasks.StatusWaiting,
		Metadata: map[string]any{
			tasks.MetaContactEmail:  res.Suspend.ContactEmail,
			tasks.MetaProposedTimes: res.Suspend.ProposedTimes,
			tasks.MetaProposal:      res.Suspend.Proposal,
			tasks.MetaContext:       t.msgs,
			tasks.MetaSessionID:     t.session,
			tasks.MetaLastTool:      tool,
			tasks.MetaArgs:          args,
		},
	}
	if err := t.l.deps.Tasks.Create(task); err != nil {
		return "", fmt.Errorf("record waiting task: %w", err)
	}
	t.log.Info("turn suspended", "task_id", task.ID, "contact_email", res.Suspend.ContactEmail)
	t.l.deps.Bus.Emit(events.SourceAgent, events.KindTurnSuspended, map[string]any{
		"session_id": t.session, "task_id": task.ID, "contact_email": res.Suspend.ContactEmail,
	})
	return task.ID, nil
}

// audit records a completed task for a non-suspending tool call. A
// failure here is logged, not fatal: the action already happened.
func (t *turn) audit(tool string, args map[string]any, res tools.Result) string {
	result := res.Data
	if result == nil {
		result = res.Content
	}
	task := &tasks.Task{
		UserID: t.userID,
		Type:   tool,
		Status: tasks.StatusCompleted,
		Metadata: map[string]any{
			tasks.MetaArgs:      args,
			tasks.MetaResult:    result,
			tasks.MetaSessionID: t.session,
		},
	}
	if err := t.l.deps.Tasks.Create(task); err != nil {
		t.log.Error("audit task not recorded", "tool", tool, "error", err)
		return ""
	}
	return task.ID
}

func (t *turn) skip(calls []llm.ToolCall) error {
	for _, c := range calls {
		if err := t.persist(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: c.ID,
			ToolName:   c.Function.Name,
			Content:    skippedToolResult,
		}); err != nil {
			return err
		}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tools.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, tools.ErrInvalidArguments):
		return "invalid_arguments"
	default:
		return "provider_failure"
	}
}
