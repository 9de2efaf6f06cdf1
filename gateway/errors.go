package gateway

import (
	"fmt"
)

// TransportError means the backend could not be reached or did not answer
// with a readable envelope.
type TransportError struct {
	Action     Action
	GameID     string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s for game %s: status %d: %v", e.Action, e.GameID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s for game %s: %v", e.Action, e.GameID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a well-formed envelope with success=false. Message is the
// backend's errorMessage, untouched.
type RejectionError struct {
	Action  Action
	GameID  string
	Message string
}

func (e *RejectionError) Error() string { return e.Message }
