package session

import "errors"

var (
	// ErrSessionConflict means an active session already exists for the
	// (user, vm) pair. The caller must end it before initiating again.
	ErrSessionConflict = errors.New("an active session already exists for this user and vm")

	// ErrSessionNotFound means no session record exists for the id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive means the operation only applies to active
	// sessions
	ErrSessionNotActive = errors.New("session is not active")
)
