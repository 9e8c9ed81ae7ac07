package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned for names that were never registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrInvalidDescriptor is returned by Register.
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
)

// InvocationError wraps a failure raised while a tool ran.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
