// Package client provides a Go client for the QCrBox registry HTTP API.
package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the QCrBox API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("qcrbox: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404: an unknown application,
// command or calculation.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsConflict returns true if the error is a 409, e.g. finalising a
// calculation that is not an interactive session.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the executing client could not be reached.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusGatewayTimeout) }
