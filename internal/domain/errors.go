package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used across store and service boundaries.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrIntentNotFound      = errors.New("settlement intent not found")

	// ErrStatusConflict is returned by the store when a conditional status
	// update finds the task no longer in the expected status. The caller lost
	// a race and must not re-trigger settlement.
	ErrStatusConflict = errors.New("task status changed concurrently")

	// ErrDuplicate is returned when a unique constraint rejects a write, e.g.
	// a second application from the same party.
	ErrDuplicate = errors.New("record already exists")
)

// ValidationError reports bad input or an unmet precondition. No side effect
// has occurred when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports that the acting party is not allowed to perform
// the action. No side effect has occurred when it is returned.
type AuthorizationError struct {
	PartyID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("party %s is not authorized to %s", e.PartyID, e.Action)
}

func NewAuthorizationError(partyID, action string) *AuthorizationError {
	return &AuthorizationError{PartyID: partyID, Action: action}
}

// EscrowNetworkError reports an authentication, timeout, or protocol failure
// talking to the settlement network. Stale-connection cases are retried once
// inside the orchestrator; everything else surfaces directly.
type EscrowNetworkError struct {
	Op       string
	Stale    bool
	NotFound bool
	Err      error
}

func (e *EscrowNetworkError) Error() string {
	return fmt.Sprintf("escrow network failure during %s: %v", e.Op, e.Err)
}

func (e *EscrowNetworkError) Unwrap() error { return e.Err }

func NewEscrowNetworkError(op string, err error) *EscrowNetworkError {
	return &EscrowNetworkError{Op: op, Err: err}
}

// SettlementInconsistency reports that funds moved on the settlement network
// but the local task record could not be updated after retries. It is logged
// as critical and surfaced to the caller as a warning, never swallowed.
type SettlementInconsistency struct {
	TaskID    string
	IntentID  string
	SessionID string
	Err       error
}

func (e *SettlementInconsistency) Error() string {
	if e.IntentID == "" {
		return fmt.Sprintf("settlement for task %s succeeded but local commit failed: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("settlement for task %s succeeded but local commit failed (intent %s): %v",
		e.TaskID, e.IntentID, e.Err)
}

func (e *SettlementInconsistency) Unwrap() error { return e.Err }

// IsStale reports whether err is an escrow network error caused by a stale
// operator connection.
func IsStale(err error) bool {
	var ne *EscrowNetworkError
	return errors.As(err, &ne) && ne.Stale
}

// IsSessionGone reports whether err means the session no longer exists on the
// node. During intent replay this counts as the operation having already
// happened.
func IsSessionGone(err error) bool {
	var ne *EscrowNetworkError
	return errors.As(err, &ne) && ne.NotFound
}
