package client

import (
	"encoding/json"
	"time"
)

// Calculation status values.
const (
	StatusSubmitted                  = "submitted"
	StatusCheckingClientAvailability = "checking_client_availability"
	StatusRunning                    = "running"
	StatusCompleted                  = "completed"
	StatusFailed                     = "failed"
	StatusCancelled                  = "cancelled"
	StatusUnknown                    = "unknown"
)

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// InvokeRequest is the body of POST /commands/invoke. ApplicationSlug and
// ApplicationVersion may be left empty when the command name is unique.
type InvokeRequest struct {
	ApplicationSlug    string         `json:"application_slug,omitempty"`
	ApplicationVersion string         `json:"application_version,omitempty"`
	CommandName        string         `json:"command_name"`
	Arguments          map[string]any `json:"arguments"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
}

// InvokeResponse identifies a newly created calculation.
type InvokeResponse struct {
	CalculationID string `json:"calculation_id"`
	Href          string `json:"href"`
}

// ExecutingClient identifies the client agent running a calculation.
type ExecutingClient struct {
	ClientID           string `json:"client_id"`
	PrivateInboxPrefix string `json:"private_inbox_prefix"`
}

// StatusEvent is one entry of a calculation's status history.
type StatusEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Comment   string    `json:"comment,omitempty"`
}

// StatusDetails is the status reported for a calculation.
type StatusDetails struct {
	CalculationID string         `json:"calculation_id"`
	Status        string         `json:"status"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	ExtraInfo     map[string]any `json:"extra_info,omitempty"`
}

// CalculationStatus is the answer of GET /calculations/{id}.
type CalculationStatus struct {
	StatusDetails
	ApplicationSlug    string           `json:"application_slug"`
	ApplicationVersion string           `json:"application_version"`
	CommandName        string           `json:"command_name"`
	ExecutingClient    *ExecutingClient `json:"executing_client,omitempty"`
	Events             []StatusEvent    `json:"status_events"`
	Live               bool             `json:"live"`
}

// Calculation is one row of GET /calculations.
type Calculation struct {
	CalculationID      string           `json:"calculation_id"`
	ApplicationSlug    string           `json:"application_slug"`
	ApplicationVersion string           `json:"application_version"`
	CommandName        string           `json:"command_name"`
	Arguments          map[string]any   `json:"arguments"`
	CorrelationID      string           `json:"correlation_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ExecutingClient    *ExecutingClient `json:"executing_client,omitempty"`
	Events             []StatusEvent    `json:"status_events"`
}

// Status returns the latest recorded status.
func (c Calculation) Status() string {
	if len(c.Events) == 0 {
		return StatusUnknown
	}
	return c.Events[len(c.Events)-1].Status
}

// CalculationList is a page of calculations.
type CalculationList struct {
	Items   []Calculation `json:"items"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// Parameter describes one command parameter.
type Parameter struct {
	Name        string `json:"name"`
	DType       string `json:"dtype"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default_value,omitempty"`
}

// Command is one row of GET /commands.
type Command struct {
	ApplicationSlug    string      `json:"application_slug"`
	ApplicationVersion string      `json:"application_version"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	ImplementedAs      string      `json:"implemented_as"`
	Parameters         []Parameter `json:"parameters"`
}

// Application is one row of GET /applications.
type Application struct {
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

// CommandFilter narrows ListCommands. Empty fields match everything.
type CommandFilter struct {
	ApplicationSlug    string
	ApplicationVersion string
	Name               string
}

// StatusChange is one event of the GET /calculations/events stream.
type StatusChange struct {
	CalculationID string    `json:"calculation_id"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Comment       string    `json:"comment,omitempty"`
}

// Health is the answer of GET /healthcheck.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Bus       string `json:"bus"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Msg     string          `json:"msg"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
