package model

import "time"

// Envelope status values.
const (
	EnvelopeSuccess = "success"
	EnvelopeError   = "error"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Status  string       `json:"status"`
	Msg     string       `json:"msg,omitempty"`
	Payload any          `json:"payload,omitempty"`
	Meta    ResponseMeta `json:"meta"`
}

// ListPayload is the payload of paginated list endpoints.
type ListPayload struct {
	Items   any  `json:"items"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Status string       `json:"status"`
	Msg    string       `json:"msg"`
	Error  ErrorDetail  `json:"error"`
	Meta   ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// InvokeCommandResponse is the payload of POST /commands/invoke.
type InvokeCommandResponse struct {
	CalculationID string `json:"calculation_id"`
	Href          string `json:"href"`
}

// CommandSummary is one row of GET /commands.
type CommandSummary struct {
	ApplicationSlug    string          `json:"application_slug"`
	ApplicationVersion string          `json:"application_version"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	ImplementedAs      ImplementedAs   `json:"implemented_as"`
	Parameters         []ParameterSpec `json:"parameters"`
}

// CommandFilter narrows GET /commands. Empty fields match everything.
type CommandFilter struct {
	ApplicationSlug    string
	ApplicationVersion string
	Name               string
}

// Matches reports whether a command of the given application passes the filter.
func (f CommandFilter) Matches(slug, version, name string) bool {
	return (f.ApplicationSlug == "" || f.ApplicationSlug == slug) &&
		(f.ApplicationVersion == "" || f.ApplicationVersion == version) &&
		(f.Name == "" || f.Name == name)
}

// ApplicationSummary is one row of GET /applications.
type ApplicationSummary struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	GUIURL      string    `json:"gui_url,omitempty"`
	Commands    []string  `json:"commands"`
	CreatedAt   time.Time `json:"created_at"`
}

// HealthResponse is the response for GET /healthcheck.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Bus       string `json:"bus"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
