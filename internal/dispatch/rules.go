package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/tools"
)

// Rule is an instruction compiled for matching.
type Rule interface {
	// Matches reports whether the event satisfies the condition.
	Matches(ev Event) bool
	// Apply performs the action. The returned Effect lists what ran,
	// even when err is non-nil.
	Apply(ctx context.Context, ev Event) (Effect, error)
}

// Interpreter turns a stored instruction into a Rule.
type Interpreter interface {
	Rule(in *instructions.Instruction) Rule
}

// Effect is what an applied instruction did.
type Effect struct {
	InstructionID string   `json:"instruction_id"`
	Tools         []string `json:"tools"`
	Error         string   `json:"error,omitempty"`
}

// Invoker runs registry tools.
type Invoker interface {
	Invoke(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Action phrases understood by SubstringInterpreter.
const (
	ActionCreateContact = "create contact"
	ActionSendEmail     = "send email"
)

// SubstringInterpreter matches when the instruction's condition occurs,
// ignoring case, anywhere in the rendered event. It recognizes two
// action phrases: "create contact" adds the sender to the CRM and
// "send email" sends the sender a thank-you note. Other actions match
// but do nothing.
type SubstringInterpreter struct {
	Tools Invoker
}

// Rule implements Interpreter.
func (s SubstringInterpreter) Rule(in *instructions.Instruction) Rule {
	return &substringRule{in: in, tools: s.Tools}
}

type substringRule struct {
	in    *instructions.Instruction
	tools Invoker
}

func (r *substringRule) Matches(ev Event) bool {
	cond := strings.ToLower(strings.TrimSpace(r.in.Condition))
	return cond != "" && strings.Contains(strings.ToLower(ev.Render()), cond)
}

func (r *substringRule) Apply(ctx context.Context, ev Event) (Effect, error) {
	eff := Effect{InstructionID: r.in.ID, Tools: []string{}}
	action := strings.ToLower(r.in.Action)

	var calls []tools.Call
	if strings.Contains(action, ActionCreateContact) {
		args := map[string]any{"email": ev.Sender}
		if ev.SenderName != "" {
			args["name"] = ev.SenderName
		}
		calls = append(calls, tools.Call{UserID: r.in.UserID, Name: tools.CreateContact, Arguments: args})
	}
	if strings.Contains(action, ActionSendEmail) {
		calls = append(calls, tools.Call{UserID: r.in.UserID, Name: tools.SendEmail, Arguments: map[string]any{
			"to":      ev.Sender,
			"subject": prompts.ThankYouSubject,
			"body":    prompts.ThankYouBody,
		}})
	}

	var errs []error
	for _, c := range calls {
		if _, err := r.tools.Invoke(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("instruction %s: %w", r.in.ID, err))
			continue
		}
		eff.Tools = append(eff.Tools, c.Name)
	}
	err := errors.Join(errs...)
	if err != nil {
		eff.Error = err.Error()
	}
	return eff, err
}
