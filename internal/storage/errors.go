package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("storage: conflict")
)
