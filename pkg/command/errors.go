package command

import (
	"errors"
	"fmt"
)

// ErrCommand matches every *Error.
var ErrCommand = errors.New("command failed")

// Error is a user-visible command failure.
type Error struct {
	Command string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("!%s: %s", e.Command, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCommand) match any *Error.
func (e *Error) Is(target error) bool { return target == ErrCommand }

// Errorf builds an *Error for use inside Execute.
func Errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
