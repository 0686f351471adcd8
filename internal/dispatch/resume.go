package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/tasks"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

type resumeResult struct {
	resumed bool
	lost    bool // another event claimed the task first
	tool    string
	message string
}

// resume makes one model call with the stored proposal and the reply.
// If the model picks a tool, the task is claimed and the tool runs as
// the task's owner. A declined reply or a rejected tool call leaves the
// task waiting. Only a lost claim sets lost, so the event is treated as
// if no task matched.
func (d *Dispatcher) resume(ctx context.Context, task *tasks.Task, ev Event, log *slog.Logger) (resumeResult, error) {
	log = log.With("task_id", task.ID)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.ResumeSystemPrompt},
		{Role: llm.RoleAssistant, Content: task.Proposal()},
		{Role: llm.RoleUser, Content: ev.Body},
	}

	resp, err := d.deps.LLM.Chat(ctx, d.cfg.Model, msgs, d.deps.Tools.Definitions())
	if err != nil {
		d.deps.Metrics.Resumption("error")
		return resumeResult{}, fmt.Errorf("resume task %s: llm chat: %w", task.ID, err)
	}
	d.deps.Metrics.Tokens(resp.Model, resp.InputTokens, resp.OutputTokens)
	d.recordUsage(ctx, task, resp, log)

	declined := resumeResult{message: prompts.NoActionTaken}
	if !resp.HasToolCalls() {
		log.Info("reply did not settle the task", "reply", resp.Message.Content)
		d.deps.Metrics.Resumption("declined")
		return declined, nil
	}
	call := resp.Message.ToolCalls[0]
	name := call.Function.Name

	if err := d.deps.Tasks.Claim(task.UserID, task.ID); err != nil {
		if errors.Is(err, tasks.ErrConflict) || errors.Is(err, tasks.ErrNotFound) {
			log.Info("task already claimed by another event")
			d.deps.Metrics.Resumption("lost")
			return resumeResult{lost: true, message: prompts.NoActionTaken}, nil
		}
		d.deps.Metrics.Resumption("error")
		return resumeResult{}, fmt.Errorf("claim task %s: %w", task.ID, err)
	}

	res, err := d.deps.Tools.Invoke(ctx, tools.Call{UserID: task.UserID, Name: name, Arguments: call.Function.Arguments})
	if err != nil {
		if relErr := d.deps.Tasks.Release(task.UserID, task.ID); relErr != nil {
			log.Error("failed to release claim", "error", relErr)
		}
		if errors.Is(err, tools.ErrUnknownTool) || errors.Is(err, tools.ErrInvalidArguments) {
			log.Warn("resumption tool call rejected", "tool", name, "error", err)
			d.deps.Metrics.Resumption("rejected")
			return declined, nil
		}
		d.deps.Metrics.Resumption("failed")
		return resumeResult{}, fmt.Errorf("resume task %s: %w", task.ID, err)
	}

	if res.Suspend != nil {
		d.followUp(task, name, msgs, call, res, log)
	}

	log.Info("task resumed", "tool", name)
	d.deps.Metrics.Resumption("completed")
	d.deps.Bus.Emit(events.SourceDispatcher, events.KindTaskResumed, map[string]any{
		"task_id": task.ID, "tool": name, "outcome": "completed",
	})
	return resumeResult{resumed: true, tool: name, message: prompts.ResumeCompleted(name)}, nil
}

// followUp records a new waiting task when the resumed tool itself
// proposed times again, carrying the original session forward.
func (d *Dispatcher) followUp(prev *tasks.Task, tool string, msgs []llm.Message, call llm.ToolCall, res tools.Result, log *slog.Logger) {
	msgs = append(msgs,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: tool, Content: res.Content},
	)
	next := &tasks.Task{
		UserID: prev.UserID,
		Type:   prev.Type,
		Status: tasks.StatusWaiting,
		Metadata: map[string]any{
			tasks.MetaContactEmail:  res.Suspend.ContactEmail,
			tasks.MetaProposedTimes: res.Suspend.ProposedTimes,
			tasks.MetaProposal:      res.Suspend.Proposal,
			tasks.MetaContext:       msgs,
			tasks.MetaSessionID:     prev.Metadata[tasks.MetaSessionID],
			tasks.MetaLastTool:      tool,
			tasks.MetaArgs:          call.Function.Arguments,
		},
	}
	if err := d.deps.Tasks.Create(next); err != nil {
		log.Error("failed to record follow-up task", "error", err)
		return
	}
	log.Info("resumption proposed new times", "next_task_id", next.ID)
}

// recordUsage books the resumption call against the task's owner.
func (d *Dispatcher) recordUsage(ctx context.Context, task *tasks.Task, resp *llm.ChatResponse, log *slog.Logger) {
	if d.deps.Usage == nil {
		return
	}
	session, _ := task.Metadata[tasks.MetaSessionID].(string)
	model := resp.Model
	if model == "" {
		model = d.cfg.Model
	}
	if err := d.deps.Usage.Record(ctx, usage.Record{
		UserID:       task.UserID,
		SessionID:    session,
		TaskID:       task.ID,
		Model:        model,
		Role:         usage.RoleResume,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}); err != nil {
		log.Warn("record usage failed", "error", err)
	}
}
