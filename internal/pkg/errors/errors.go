package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionNotFound covers sessions that never existed and pending sessions past expiry.
	ErrSessionNotFound = fmt.Errorf("review session %w", ErrNotFound)
	// ErrSessionExpired is returned alongside ErrSessionNotFound when the session expired.
	ErrSessionExpired = errors.New("review session expired")
	// ErrSessionNotPending signals approve/cancel/update on a terminal session.
	ErrSessionNotPending = errors.New("review session is not pending")

	ErrConceptNotFound = fmt.Errorf("concept %w", ErrNotFound)
)

// Expired reports a session that exists durably but is past its horizon. It matches
// both ErrSessionNotFound and ErrSessionExpired under errors.Is.
func Expired(sessionID string) error {
	return &expiredError{id: sessionID}
}

type expiredError struct{ id string }

func (e *expiredError) Error() string { return "review session " + e.id + " expired" }

func (e *expiredError) Is(target error) bool {
	return target == ErrSessionExpired || target == ErrSessionNotFound || target == ErrNotFound
}
