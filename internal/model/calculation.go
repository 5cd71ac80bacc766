package model

import (
	"fmt"
	"time"
)

// CalculationStatus is the lifecycle state of a calculation.
type CalculationStatus string

const (
	StatusSubmitted                  CalculationStatus = "submitted"
	StatusCheckingClientAvailability CalculationStatus = "checking_client_availability"
	StatusRunning                    CalculationStatus = "running"
	StatusCompleted                  CalculationStatus = "completed"
	StatusFailed                     CalculationStatus = "failed"
	StatusCancelled                  CalculationStatus = "cancelled"
	StatusUnknown                    CalculationStatus = "unknown"
)

// IsTerminal reports whether no further status can follow.
func (s CalculationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses along the lifecycle. A status may only be followed
// by one of strictly higher rank; all terminal statuses share the top rank.
func (s CalculationStatus) Rank() int {
	switch s {
	case StatusSubmitted:
		return 1
	case StatusCheckingClientAvailability:
		return 2
	case StatusRunning:
		return 3
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 4
	}
	return 0
}

// Valid reports whether s is a known status value.
func (s CalculationStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusCheckingClientAvailability, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	}
	return false
}

// CalculationStatusEvent is one entry in a calculation's append-only history.
type CalculationStatusEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Status    CalculationStatus `json:"status"`
	Comment   string            `json:"comment,omitempty"`
}

// CalculationStatusDetails is the value stored in the calculation_status
// KV bucket and returned by status RPCs.
type CalculationStatusDetails struct {
	CalculationID string            `json:"calculation_id"`
	Status        CalculationStatus `json:"status"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	ExtraInfo     map[string]any    `json:"extra_info,omitempty"`
}

// Validate implements the protocol payload contract.
func (d CalculationStatusDetails) Validate() error {
	if d.CalculationID == "" {
		return fmt.Errorf("calculation_id is required")
	}
	if !d.Status.Valid() {
		return fmt.Errorf("invalid status %q", d.Status)
	}
	return nil
}

// ExecutingClientDetails identifies the client elected to run a calculation.
type ExecutingClientDetails struct {
	ClientID           string `json:"client_id"`
	PrivateInboxPrefix string `json:"private_inbox_prefix"`
}

// Calculation is the durable record of one command invocation.
type Calculation struct {
	CalculationID      string                   `json:"calculation_id"`
	ApplicationSlug    string                   `json:"application_slug"`
	ApplicationVersion string                   `json:"application_version"`
	CommandName        string                   `json:"command_name"`
	Arguments          map[string]any           `json:"arguments"`
	CorrelationID      string                   `json:"correlation_id,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	ExecutingClient    *ExecutingClientDetails  `json:"executing_client,omitempty"`
	Stdout             string                   `json:"stdout"`
	Stderr             string                   `json:"stderr"`
	ExtraInfo          map[string]any           `json:"extra_info,omitempty"`
	Events             []CalculationStatusEvent `json:"status_events"`
}

// Status returns the status of the latest event.
func (c *Calculation) Status() CalculationStatus {
	if len(c.Events) == 0 {
		return StatusUnknown
	}
	return c.Events[len(c.Events)-1].Status
}

// Details projects the calculation onto its status details.
func (c *Calculation) Details() CalculationStatusDetails {
	return CalculationStatusDetails{
		CalculationID: c.CalculationID,
		Status:        c.Status(),
		Stdout:        c.Stdout,
		Stderr:        c.Stderr,
		ExtraInfo:     c.ExtraInfo,
	}
}

// ClientStatus is the availability state of a client agent.
type ClientStatus string

const (
	ClientIdle          ClientStatus = "idle"
	ClientPending       ClientStatus = "pending"
	ClientBusy          ClientStatus = "busy"
	ClientInternalError ClientStatus = "internal_error"
)

// CanTransition reports whether the agent may move from s to next.
func (s ClientStatus) CanTransition(next ClientStatus) bool {
	switch next {
	case ClientIdle, ClientInternalError:
		return true
	case ClientPending:
		return s == ClientIdle
	case ClientBusy:
		return s == ClientPending || s == ClientBusy
	}
	return false
}

// CalculationStatusChange is published whenever a calculation's recorded
// status advances.
type CalculationStatusChange struct {
	CalculationID string            `json:"calculation_id"`
	Status        CalculationStatus `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Comment       string            `json:"comment,omitempty"`
}

// CalculationStatusView is the answer to a status query: the latest known
// details together with the durable history.
type CalculationStatusView struct {
	CalculationStatusDetails
	ApplicationSlug    string                   `json:"application_slug"`
	ApplicationVersion string                   `json:"application_version"`
	CommandName        string                   `json:"command_name"`
	ExecutingClient    *ExecutingClientDetails  `json:"executing_client,omitempty"`
	Events             []CalculationStatusEvent `json:"status_events"`
	// Live is true when the details came from the executing client.
	Live bool `json:"live"`
}

// View projects the durable record onto a status view.
func (c *Calculation) View() CalculationStatusView {
	return CalculationStatusView{
		CalculationStatusDetails: c.Details(),
		ApplicationSlug:          c.ApplicationSlug,
		ApplicationVersion:       c.ApplicationVersion,
		CommandName:              c.CommandName,
		ExecutingClient:          c.ExecutingClient,
		Events:                   c.Events,
	}
}
