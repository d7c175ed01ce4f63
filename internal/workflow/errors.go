package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Kind separates failures reported by the workflow itself from failures to
// reach or talk to it.
type Kind int

const (
	KindInfrastructure Kind = iota + 1
	KindDomain
)

func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

var (
	ErrDomain          = errors.New("workflow reported failure")
	ErrInfrastructure  = errors.New("workflow infrastructure failure")
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// Status codes attached to Error.Code besides the engine's own error names.
const (
	CodeFailed          = "FAILED"
	CodeTimedOut        = "TIMED_OUT"
	CodeAborted         = "ABORTED"
	CodeUnknownWorkflow = "UNKNOWN_WORKFLOW"
	CodeTransport       = "TRANSPORT"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidOutput   = "INVALID_OUTPUT"
)

type Error struct {
	Kind     Kind
	Workflow string
	Code     string
	Cause    string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("workflow %s %s failure (%s)", e.Workflow, e.Kind, e.Code)
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrDomain:
		return e.Kind == KindDomain
	case ErrInfrastructure:
		return e.Kind == KindInfrastructure
	}
	return false
}

// TimedOut reports whether the workflow or the wait for it ran out of time.
func (e *Error) TimedOut() bool {
	return e.Code == CodeTimedOut || errors.Is(e.Err, context.DeadlineExceeded)
}
