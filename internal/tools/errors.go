package tools

import (
	"errors"
	"fmt"

	"github.com/nugget/steward/internal/calendar"
	"github.com/nugget/steward/internal/contacts"
	"github.com/nugget/steward/internal/email"
)

// Error kinds. Every error returned by Invoke matches exactly one of
// these with errors.Is.
var (
	// ErrUnknownTool means the name is outside the tool set. Nothing ran.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments means the arguments did not match the tool's
	// schema or the provider rejected their shape. The model can retry.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrProviderFailure means the provider failed, including a user
	// whose account is not connected.
	ErrProviderFailure = errors.New("provider failure")
)

// Error is a failed tool invocation.
type Error struct {
	Tool string
	Kind error // one of the Err* kinds above
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Tool, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Tool, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// argumentErrors are provider errors that mean the arguments were
// wrong rather than the provider broken.
var argumentErrors = []error{
	ErrInvalidArguments,
	calendar.ErrInvalidRange,
	contacts.ErrInvalidContact,
	contacts.ErrNotFound,
	email.ErrInvalidRecipient,
}

// classify wraps a handler error in an *Error of the right kind.
func classify(tool string, err error) *Error {
	for _, target := range argumentErrors {
		if errors.Is(err, target) {
			return &Error{Tool: tool, Kind: ErrInvalidArguments, Err: err}
		}
	}
	return &Error{Tool: tool, Kind: ErrProviderFailure, Err: err}
}

func badArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
}
