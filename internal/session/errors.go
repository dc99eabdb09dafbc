package session

import "errors"

// Sentinel errors for store operations, checked with errors.Is().
var (
	// ErrSessionNotFound indicates the session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates the message id does not exist in the session.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNoResult indicates the session has no message carrying a result.
	ErrNoResult = errors.New("no result to update")
)
