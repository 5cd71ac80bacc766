package coordinator

import (
	"errors"

	"github.com/qcrbox/qcrbox/internal/model"
)

var (
	// ErrUnknownApplication is returned when no registered application
	// matches the requested slug and version.
	ErrUnknownApplication = errors.New("coordinator: unknown application")
	// ErrUnknownCommand is returned when no matching application declares
	// the requested command.
	ErrUnknownCommand = errors.New("coordinator: unknown command")
	// ErrAmbiguousCommand is returned when a command name without slug or
	// version matches more than one application.
	ErrAmbiguousCommand = errors.New("coordinator: ambiguous command")
	// ErrInvalidArguments wraps argument validation failures.
	ErrInvalidArguments = model.ErrInvalidArguments
	// ErrNotFound is returned for unknown calculation ids.
	ErrNotFound = errors.New("coordinator: calculation not found")
	// ErrClientUnreachable is returned when the executing client does not
	// answer an RPC in time.
	ErrClientUnreachable = errors.New("coordinator: client unreachable")
	// ErrNotBound is returned when an operation needs the executing client
	// but none has been elected.
	ErrNotBound = errors.New("coordinator: no executing client bound")
	// ErrRejected is returned when the executing client refuses a request.
	ErrRejected = errors.New("coordinator: rejected by client")
)
