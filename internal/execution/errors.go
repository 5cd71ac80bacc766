package execution

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrArgumentMismatch matches every *ArgumentMismatchError.
	ErrArgumentMismatch = errors.New("execution: argument mismatch")
	// ErrInteractiveUsage is returned when an interactive session is driven
	// out of order.
	ErrInteractiveUsage = errors.New("execution: invalid interactive session usage")
	// ErrUnknownCallable is returned when a callable command names a target
	// that was never registered.
	ErrUnknownCallable = errors.New("execution: unknown callable")
	// ErrSignatureMismatch is returned when a callable's declared parameters
	// disagree with its registered signature.
	ErrSignatureMismatch = errors.New("execution: callable signature mismatch")
	// ErrUnsupportedCommand is returned for command spec types without an
	// execution variant.
	ErrUnsupportedCommand = errors.New("execution: unsupported command type")
)

// ArgumentMismatchError reports arguments that cannot be bound to a command.
type ArgumentMismatchError struct {
	Command    string
	Missing    []string
	Unexpected []string
}

func (e *ArgumentMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("execution: command %q: argument mismatch: %s", e.Command, strings.Join(parts, "; "))
}

func (e *ArgumentMismatchError) Is(target error) bool {
	return target == ErrArgumentMismatch
}
