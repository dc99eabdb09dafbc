package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the call failure taxonomy, checked with
// errors.Is(). Only ErrCancelled is swallowed by callers; everything
// else becomes a user-visible error message.
var (
	// ErrCancelled indicates the call was superseded or stopped.
	ErrCancelled = errors.New("request cancelled")

	// ErrNetwork indicates the service could not be reached.
	ErrNetwork = errors.New("network failure")

	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
)

// CallError is a structured failure reported by the service itself.
type CallError struct {
	Status int
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend error (status %d)", e.Status)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Detail)
}

// UserMessage renders a failure as the human-readable text shown in the
// conversation. Raw internal errors never reach the user.
func UserMessage(err error) string {
	var callErr *CallError
	switch {
	case errors.Is(err, ErrTimeout):
		return "The request timed out. Please try again."
	case errors.Is(err, ErrNetwork):
		return "Could not reach the analysis service. Check your connection and try again."
	case errors.As(err, &callErr):
		if callErr.Detail != "" {
			return "The analysis service reported an error: " + callErr.Detail
		}
		return "The analysis service reported an error. Please try again."
	default:
		return "Something went wrong while processing your request."
	}
}
