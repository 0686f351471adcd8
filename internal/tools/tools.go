// Package tools is the closed set of actions the agent can take on a
// user's behalf, and the registry that validates and dispatches calls
// to them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nugget/steward/internal/calendar"
	"github.com/nugget/steward/internal/contacts"
	"github.com/nugget/steward/internal/email"
	"github.com/nugget/steward/internal/instructions"
)

// Tool names. This is the entire tool set.
const (
	SendEmail           = "send_email"
	CreateEvent         = "create_event"
	CreateContact       = "create_contact"
	AddNote             = "add_note_to_hubspot"
	AddInstruction      = "add_instruction"
	FindContact         = "find_contact"
	FindFreeTimes       = "find_free_times"
	GetUpcomingMeetings = "get_upcoming_meetings"
	ProposeTimesEmail   = "propose_times_email"
)

// Names lists every tool in definition order.
var Names = []string{
	SendEmail, CreateEvent, CreateContact, AddNote, AddInstruction,
	FindContact, FindFreeTimes, GetUpcomingMeetings, ProposeTimesEmail,
}

// Schema is a tool's function definition as handed to the model.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler implements one tool.
type Handler interface {
	Name() string
	Schema() Schema
	// Suspends reports whether a successful call parks the turn until
	// the recipient replies.
	Suspends() bool
	Run(ctx context.Context, userID string, args map[string]any) (Result, error)
}

// Call is one invocation. UserID comes from the authenticated caller,
// never from the arguments.
type Call struct {
	UserID    string
	Name      string
	Arguments map[string]any
}

// Result is a successful invocation.
type Result struct {
	Tool string `json:"tool"`
	// Content is the text returned to the model as the tool result.
	Content string `json:"content"`
	// Data is the structured result recorded on audit tasks.
	Data any `json:"data,omitempty"`
	// Suspend is set when the turn must wait for a reply.
	Suspend *Suspension `json:"suspend,omitempty"`
}

// Suspension carries what resumption needs to recognize and answer the
// reply.
type Suspension struct {
	ContactEmail  string   `json:"contact_email"`
	ProposedTimes []string `json:"proposed_times"`
	Proposal      string   `json:"proposal"`
}

// Mailer sends email as the user.
type Mailer interface {
	Send(ctx context.Context, userID string, out email.Outgoing) (string, error)
}

// Calendar reads and books the user's calendar.
type Calendar interface {
	CreateEvent(ctx context.Context, userID string, req calendar.EventRequest) (*calendar.Event, error)
	FreeTimes(ctx context.Context, userID, dateRange string) ([]time.Time, error)
	Upcoming(ctx context.Context, userID, contactEmail string) ([]calendar.Event, error)
}

// CRM manages the user's contacts and notes.
type CRM interface {
	CreateContact(ctx context.Context, userID string, in contacts.Input) (*contacts.Contact, error)
	FindContact(ctx context.Context, userID, name, email string) ([]*contacts.Contact, error)
	AddNote(ctx context.Context, userID, contactRef, content string) (*contacts.Note, error)
}

// Instructions stores standing automation rules.
type Instructions interface {
	Create(userID, condition, action string) (*instructions.Instruction, error)
}

// Providers are the backends the tools act through. Every field is
// required.
type Providers struct {
	Mail         Mailer
	Calendar     Calendar
	CRM          CRM
	Instructions Instructions
}

func (p Providers) check() error {
	var missing []string
	if p.Mail == nil {
		missing = append(missing, "Mail")
	}
	if p.Calendar == nil {
		missing = append(missing, "Calendar")
	}
	if p.CRM == nil {
		missing = append(missing, "CRM")
	}
	if p.Instructions == nil {
		missing = append(missing, "Instructions")
	}
	if len(missing) > 0 {
		return fmt.Errorf("tool providers missing: %v", missing)
	}
	return nil
}

// Registry dispatches tool calls.
type Registry struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry builds the registry over p and validates it.
func NewRegistry(p Providers, logger *slog.Logger) (*Registry, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	r := newRegistry(logger,
		sendEmailTool(p.Mail),
		createEventTool(p.Calendar),
		createContactTool(p.CRM),
		addNoteTool(p.CRM),
		addInstructionTool(p.Instructions),
		findContactTool(p.CRM),
		findFreeTimesTool(p.Calendar),
		upcomingMeetingsTool(p.Calendar),
		proposeTimesTool(p.Mail),
	)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRegistry(logger *slog.Logger, handlers ...Handler) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		handlers: make(map[string]Handler, len(handlers)),
		logger:   logger.With("component", "tools"),
	}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

// Validate checks that the registered handlers are exactly the tool
// set and that every schema is well formed.
func (r *Registry) Validate() error {
	var errs []error
	for _, name := range Names {
		if _, ok := r.handlers[name]; !ok {
			errs = append(errs, fmt.Errorf("tool %s has no handler", name))
		}
	}
	for name, h := range r.handlers {
		if !slices.Contains(Names, name) {
			errs = append(errs, fmt.Errorf("handler %s is not in the tool set", name))
			continue
		}
		s := h.Schema()
		if s.Name != name {
			errs = append(errs, fmt.Errorf("handler %s declares schema %q", name, s.Name))
		}
		if s.Description == "" {
			errs = append(errs, fmt.Errorf("tool %s has no description", name))
		}
		props, _ := s.Parameters["properties"].(map[string]any)
		for _, req := range requiredFields(s.Parameters) {
			if _, ok := props[req]; !ok {
				errs = append(errs, fmt.Errorf("tool %s requires undeclared field %q", name, req))
			}
		}
	}
	return errors.Join(errs...)
}

// Definitions returns the OpenAI-format function list for the model.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.handlers))
	for _, name := range Names {
		h, ok := r.handlers[name]
		if !ok {
			continue
		}
		s := h.Schema()
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return defs
}

// Suspends reports whether the named tool suspends the turn.
func (r *Registry) Suspends(name string) bool {
	h, ok := r.handlers[name]
	return ok && h.Suspends()
}

// Invoke validates the arguments and runs the tool as call.UserID.
// Errors are *Error values matching ErrUnknownTool,
// ErrInvalidArguments or ErrProviderFailure.
func (r *Registry) Invoke(ctx context.Context, call Call) (Result, error) {
	h, ok := r.handlers[call.Name]
	if !ok {
		return Result{}, &Error{Tool: call.Name, Kind: ErrUnknownTool}
	}
	if call.UserID == "" {
		return Result{}, &Error{Tool: call.Name, Kind: ErrProviderFailure, Err: errors.New("no user")}
	}

	args, err := normalizeArgs(h.Schema().Parameters, call.Arguments)
	if err != nil {
		return Result{}, &Error{Tool: call.Name, Kind: ErrInvalidArguments, Err: err}
	}

	log := r.logger.With("tool", call.Name, "user_id", call.UserID)
	if sid := SessionIDFromContext(ctx); sid != "" {
		log = log.With("session_id", sid)
	}

	start := time.Now()
	res, err := h.Run(ctx, call.UserID, args)
	elapsed := time.Since(start)
	if err != nil {
		te := classify(call.Name, err)
		log.Warn("tool failed", "kind", te.Kind, "error", err, "elapsed", elapsed.Round(time.Millisecond))
		return Result{}, te
	}

	res.Tool = call.Name
	if res.Content == "" {
		res.Content = render(res.Data)
	}
	log.Info("tool executed", "suspends", res.Suspend != nil, "elapsed", elapsed.Round(time.Millisecond))
	return res, nil
}

func render(v any) string {
	if v == nil {
		return "ok"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
