package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/steward/internal/calendar"
	"github.com/nugget/steward/internal/contacts"
	"github.com/nugget/steward/internal/email"
	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/retrieval"
	"github.com/nugget/steward/internal/tasks"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: append([]llm.Message(nil), msgs...), Tools: td})

	i := m.callIndex
	m.callIndex++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}
	return m.responses[i], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: text}, Done: true}
}

func callTool(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: id, Function: llm.ToolFunction{Name: name, Arguments: args}}},
	}}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Outgoing
	err  error
}

func (f *fakeMailer) Send(_ context.Context, _ string, out email.Outgoing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, out)
	return fmt.Sprintf("<msg-%d@example.com>", len(f.sent)), nil
}

type fakeCalendar struct{ slots []time.Time }

func (f *fakeCalendar) CreateEvent(_ context.Context, _ string, req calendar.EventRequest) (*calendar.Event, error) {
	return &calendar.Event{ID: "ev1", Title: req.Title, Start: req.Start, End: req.End, Attendees: req.Attendees}, nil
}

func (f *fakeCalendar) FreeTimes(context.Context, string, string) ([]time.Time, error) {
	return f.slots, nil
}

func (f *fakeCalendar) Upcoming(context.Context, string, string) ([]calendar.Event, error) {
	return []calendar.Event{}, nil
}

type fakeCRM struct{}

func (fakeCRM) CreateContact(_ context.Context, userID string, in contacts.Input) (*contacts.Contact, error) {
	return &contacts.Contact{ID: "c1", UserID: userID, Name: in.Name, Email: in.Email}, nil
}

func (fakeCRM) FindContact(context.Context, string, string, string) ([]*contacts.Contact, error) {
	return nil, nil
}

func (fakeCRM) AddNote(_ context.Context, userID, ref, content string) (*contacts.Note, error) {
	return &contacts.Note{ID: "n1", UserID: userID, ContactID: ref, Content: content}, nil
}

type fakeRetriever struct{}

func (fakeRetriever) Retrieve(_ context.Context, _ string, kind retrieval.Kind, _ string, _ int) ([]retrieval.Excerpt, error) {
	if kind == retrieval.KindEmail {
		return []retrieval.Excerpt{{ID: "e1", Kind: kind, Text: "From: bob@example.com\nSubject: Portfolio"}}, nil
	}
	return nil, errors.New("index offline")
}

type fakeUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (f *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type harness struct {
	loop   *Loop
	llm    *mockLLM
	mail   *fakeMailer
	mem    *memory.Store
	tasks  *tasks.Store
	instrs *instructions.Store
	usage  *fakeUsage
}

func newHarness(t *testing.T, maxIter int, responses ...*llm.ChatResponse) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mem, err := memory.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := tasks.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ins, err := instructions.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		llm:    &mockLLM{responses: responses},
		mail:   &fakeMailer{},
		mem:    mem,
		tasks:  ts,
		instrs: ins,
		usage:  &fakeUsage{},
	}
	reg, err := tools.NewRegistry(tools.Providers{
		Mail:         h.mail,
		Calendar:     &fakeCalendar{slots: []time.Time{time.Date(2026, 10, 20, 14, 0, 0, 0, time.UTC)}},
		CRM:          fakeCRM{},
		Instructions: ins,
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	h.loop, err = NewLoop(Config{Model: "test-model", MaxIterations: maxIter, Location: time.UTC}, Deps{
		LLM:          h.llm,
		Tools:        reg,
		Memory:       mem,
		Tasks:        ts,
		Instructions: ins,
		Retriever:    fakeRetriever{},
		Usage:        h.usage,
	})
	if err != nil {
		t.Fatalf("NewLoop() error: %v", err)
	}
	return h
}

func (h *harness) transcript(t *testing.T, sessionID string) []memory.Message {
	t.Helper()
	msgs, err := h.mem.Messages(sessionID)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	return msgs
}

func roles(msgs []memory.Message) string {
	var r []string
	for _, m := range msgs {
		r = append(r, m.Role)
	}
	return strings.Join(r, ",")
}

func TestNewLoop_RequiresDeps(t *testing.T) {
	if _, err := NewLoop(Config{Model: "m"}, Deps{}); err == nil {
		t.Error("NewLoop() without deps should fail")
	}
}

func TestTurn_DirectAnswer(t *testing.T) {
	h := newHarness(t, 0, answer("  You have two meetings today.  "))
	if _, err := h.instrs.Create("u1", "email from unknown sender", "create contact"); err != nil {
		t.Fatal(err)
	}

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "What's on today?"})
	if err != nil {
		t.Fatalf("Turn() error: %v", err)
	}
	if res.Response != "You have two meetings today." {
		t.Errorf("Response = %q", res.Response)
	}
	if res.SessionID == "" || res.Iterations != 1 || res.Exhausted {
		t.Errorf("result = %+v", res)
	}

	msgs := h.transcript(t, res.SessionID)
	if got := roles(msgs); got != "system,system,system,user,assistant" {
		t.Fatalf("roles = %s", got)
	}
	ctxMsg := msgs[2].Content
	if !strings.HasPrefix(ctxMsg, "Context data:\n\n") {
		t.Errorf("context message = %q", ctxMsg)
	}
	if !strings.Contains(ctxMsg, "Subject: Portfolio") || !strings.Contains(ctxMsg, "Instruction: email from unknown sender → create contact") {
		t.Errorf("context message missing excerpts: %q", ctxMsg)
	}

	if len(h.llm.calls) != 1 {
		t.Fatalf("LLM calls = %d", len(h.llm.calls))
	}
	sent := h.llm.calls[0]
	if sent.Model != "test-model" || len(sent.Tools) != len(tools.Names) {
		t.Errorf("model = %q, tools = %d", sent.Model, len(sent.Tools))
	}
	if last := sent.Messages[len(sent.Messages)-1]; last.Role != llm.RoleUser || last.Content != "What's on today?" {
		t.Errorf("last message sent = %+v", last)
	}
}

func TestTurn_ContinuesSession(t *testing.T) {
	h := newHarness(t, 0, answer("first"), answer("second"))

	first, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "two", SessionID: first.SessionID})
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session changed: %s → %s", first.SessionID, second.SessionID)
	}
	if got := roles(h.transcript(t, first.SessionID)); got != "system,system,system,user,assistant,user,assistant" {
		t.Errorf("roles = %s", got)
	}
	if n := len(h.llm.calls[1].Messages); n != 6 {
		t.Errorf("second call carried %d messages, want 6", n)
	}
}

func TestTurn_ForeignSessionStartsFresh(t *testing.T) {
	h := newHarness(t, 0, answer("a"), answer("b"))

	mine, _ := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hi"})
	theirs, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u2", Message: "hi", SessionID: mine.SessionID})
	if err != nil {
		t.Fatal(err)
	}
	if theirs.SessionID == mine.SessionID {
		t.Error("another user's session must not be reused")
	}
}

func TestTurn_EmptyMessage(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Turn() error = %v, want ErrEmptyMessage", err)
	}
}

func TestTurn_ProposeTimesSuspends(t *testing.T) {
	h := newHarness(t, 0,
		callTool("call-1", tools.ProposeTimesEmail, map[string]any{
			"to":              "Sara <sara@example.com>",
			"available_times": []any{"Tue 2pm", "Wed 10am"},
			"body":            "Hi Sara,",
		}),
		answer("this response must never be requested"),
	)

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "Schedule a meeting with Sara"})
	if err != nil {
		t.Fatalf("Turn() error: %v", err)
	}

	wantProposal := "Hi Sara,\n\nHere are my available times:\n- Tue 2pm\n- Wed 10am"
	if res.Proposal != wantProposal {
		t.Errorf("Proposal = %q, want %q", res.Proposal, wantProposal)
	}
	if len(h.mail.sent) != 1 || h.mail.sent[0].Body != res.Proposal {
		t.Errorf("sent mail = %+v", h.mail.sent)
	}
	if res.Response != prompts.ProposalAck("sara@example.com") {
		t.Errorf("Response = %q", res.Response)
	}
	if len(h.llm.calls) != 1 {
		t.Errorf("LLM calls = %d, turn should stop at the suspending tool", len(h.llm.calls))
	}

	task, err := h.tasks.Get("u1", res.PendingTaskID)
	if err != nil {
		t.Fatalf("Get(pending) error: %v", err)
	}
	if task.Status != tasks.StatusWaiting || task.ContactEmail() != "sara@example.com" || task.Proposal() != wantProposal {
		t.Errorf("task = %+v", task)
	}
	if task.Metadata[tasks.MetaSessionID] != res.SessionID || task.Metadata[tasks.MetaLastTool] != tools.ProposeTimesEmail {
		t.Errorf("task metadata = %v", task.Metadata)
	}
	if _, ok := task.Metadata[tasks.MetaContext].([]any); !ok {
		t.Errorf("context metadata = %T", task.Metadata[tasks.MetaContext])
	}

	msgs := h.transcript(t, res.SessionID)
	if got := roles(msgs); got != "system,system,system,user,assistant,tool,assistant" {
		t.Fatalf("roles = %s", got)
	}
	if msgs[4].ToolCalls[0].ID != "call-1" || msgs[5].ToolCallID != "call-1" || msgs[5].Content != wantProposal {
		t.Errorf("tool exchange not persisted: %+v / %+v", msgs[4], msgs[5])
	}
}

func TestTurn_IterationCap(t *testing.T) {
	loopCall := callTool("c", tools.FindFreeTimes, map[string]any{"date_range": "today"})
	h := newHarness(t, 3, loopCall, loopCall, loopCall, loopCall)

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "loop forever"})
	if err != nil {
		t.Fatalf("Turn() error: %v", err)
	}
	if !res.Exhausted || res.Response != prompts.ExhaustedAnswer {
		t.Errorf("result = %+v", res)
	}
	if len(h.llm.calls) != 3 {
		t.Errorf("LLM calls = %d, want 3", len(h.llm.calls))
	}
	if len(res.ToolCalls) != 3 {
		t.Errorf("tool calls = %d, want 3", len(res.ToolCalls))
	}
	msgs := h.transcript(t, res.SessionID)
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleAssistant || last.Content != prompts.ExhaustedAnswer {
		t.Errorf("last message = %+v", last)
	}
}

func TestTurn_RejectedToolCallContinues(t *testing.T) {
	tests := []struct {
		name string
		call *llm.ChatResponse
	}{
		{"unknown tool", callTool("c1", "launch_rocket", nil)},
		{"invalid arguments", callTool("c1", tools.SendEmail, map[string]any{"to": "x@example.com"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0, tt.call, answer("Sorry about that."))

			res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "do it"})
			if err != nil {
				t.Fatalf("Turn() error: %v", err)
			}
			if res.Response != "Sorry about that." {
				t.Errorf("Response = %q", res.Response)
			}
			if len(res.ToolCalls) != 1 || res.ToolCalls[0].Error == "" {
				t.Errorf("tool calls = %+v", res.ToolCalls)
			}

			second := h.llm.calls[1].Messages
			toolMsg := second[len(second)-1]
			if toolMsg.Role != llm.RoleTool || !strings.HasPrefix(toolMsg.Content, "Error: ") {
				t.Errorf("rejection not fed back: %+v", toolMsg)
			}
			if len(h.mail.sent) != 0 {
				t.Error("rejected call must not reach the provider")
			}
			persisted, err := h.tasks.List("u1", "")
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(persisted) != 0 || res.ToolCalls[0].TaskID != "" {
				t.Errorf("rejected call persisted tasks: %+v", persisted)
			}
		})
	}
}

func TestTurn_ProviderFailure(t *testing.T) {
	h := newHarness(t, 0,
		callTool("c1", tools.SendEmail, map[string]any{"to": "bob@example.com", "subject": "Hi", "body": "Hello"}),
		answer("never reached"),
	)
	h.mail.err = errors.New("smtp: connection refused")

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "email bob"})
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("Turn() error = %v, want ErrTurnFailed", err)
	}
	if !errors.Is(err, tools.ErrProviderFailure) {
		t.Errorf("error should wrap the provider failure: %v", err)
	}
	if res == nil || res.Response != prompts.ToolFailedAnswer(tools.SendEmail) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.llm.calls) != 1 {
		t.Errorf("LLM calls = %d", len(h.llm.calls))
	}

	all, _ := h.tasks.List("u1", "")
	if len(all) != 0 {
		t.Errorf("failed call recorded %d tasks", len(all))
	}
	if got := roles(h.transcript(t, res.SessionID)); got != "system,system,system,user,assistant,tool,assistant" {
		t.Errorf("roles = %s", got)
	}
}

func TestTurn_LLMError(t *testing.T) {
	h := newHarness(t, 0)
	h.llm.errs = []error{errors.New("upstream 503")}

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	if err == nil || res != nil {
		t.Fatalf("Turn() = %+v, %v; want error", res, err)
	}

	sessions, _ := h.mem.ListSessions("u1")
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	msgs := h.transcript(t, sessions[0].ID)
	if got := roles(msgs); got != "system,system,system,user" {
		t.Errorf("roles = %s, user message should be kept and nothing after it", got)
	}
}

func TestTurn_AuditsCompletedTools(t *testing.T) {
	h := newHarness(t, 0,
		callTool("c1", tools.SendEmail, map[string]any{"to": "bob@example.com", "subject": "Hi", "body": "Hello"}),
		answer("Sent."),
	)

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "email bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].TaskID == "" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}

	task, err := h.tasks.Get("u1", res.ToolCalls[0].TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != tasks.StatusCompleted || task.Type != tools.SendEmail || task.CompletedAt == nil {
		t.Errorf("audit task = %+v", task)
	}
	args, _ := task.Metadata[tasks.MetaArgs].(map[string]any)
	if args["to"] != "bob@example.com" {
		t.Errorf("audit args = %v", task.Metadata[tasks.MetaArgs])
	}
}

func TestTurn_SkipsCallsAfterSuspension(t *testing.T) {
	resp := &llm.ChatResponse{Model: "m", Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
		{ID: "a", Function: llm.ToolFunction{Name: tools.ProposeTimesEmail, Arguments: map[string]any{
			"to": "sara@example.com", "available_times": []any{"Tue 2pm"}, "body": "Hi",
		}}},
		{ID: "b", Function: llm.ToolFunction{Name: tools.SendEmail, Arguments: map[string]any{
			"to": "bob@example.com", "subject": "s", "body": "b",
		}}},
	}}}
	h := newHarness(t, 0, resp)

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.mail.sent) != 1 {
		t.Errorf("sent %d emails, the second call should not run", len(h.mail.sent))
	}
	msgs := h.transcript(t, res.SessionID)
	var skipped bool
	for _, m := range msgs {
		if m.ToolCallID == "b" && m.Content == skippedToolResult {
			skipped = true
		}
	}
	if !skipped {
		t.Error("unexecuted call should get a skipped result")
	}
}

func TestTurn_RecordsUsage(t *testing.T) {
	first := callTool("call_1", "find_contact", map[string]any{"name": "bob"})
	first.InputTokens, first.OutputTokens = 120, 15
	final := answer("No contact named Bob.")
	final.Model = ""
	final.InputTokens, final.OutputTokens = 180, 9
	h := newHarness(t, 0, first, final)

	res, err := h.loop.Turn(context.Background(), TurnRequest{UserID: "u1", Message: "Find Bob"})
	if err != nil {
		t.Fatalf("Turn() error: %v", err)
	}

	if len(h.usage.records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(h.usage.records))
	}
	for i, rec := range h.usage.records {
		if rec.UserID != "u1" || rec.SessionID != res.SessionID || rec.Role != usage.RoleChat {
			t.Errorf("record[%d] = %+v", i, rec)
		}
		if rec.Model != "test-model" {
			t.Errorf("record[%d].Model = %q, want test-model", i, rec.Model)
		}
	}
	if got := h.usage.records[0]; got.InputTokens != 120 || got.OutputTokens != 15 {
		t.Errorf("first record tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
	if got := h.usage.records[1]; got.InputTokens != 180 || got.OutputTokens != 9 {
		t.Errorf("second record tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}
