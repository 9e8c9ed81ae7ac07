package session

import "errors"

// State is the session state machine value.
type State string

const (
	StateIdle             State = "idle"
	StateDispatching      State = "dispatching"
	StateCommandExecuting State = "command_executing"
	StateTurnInProgress   State = "turn_in_progress"
	StateCancelling       State = "cancelling"
	StateClosed           State = "closed"
)

var (
	// ErrTurnInProgress rejects input while a turn is in flight.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrNotIdle is returned by operations that need a quiescent session.
	ErrNotIdle = errors.New("session is not idle")
	// ErrClosed is returned once a session is closed.
	ErrClosed = errors.New("session is closed")
	// ErrSessionNotFound is returned by Manager lookups.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotEquipped is returned when the model or user names a tool the
	// session has not equipped.
	ErrNotEquipped = errors.New("tool is not equipped")
)

const busyMessage = "a turn is already in progress; wait for it to finish or send !cancel"
