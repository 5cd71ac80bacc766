package protocol

import (
	"fmt"

	"github.com/qcrbox/qcrbox/internal/model"
)

// Action names a message type on the bus.
type Action string

const (
	ActionRegisterApplication             Action = "register_application"
	ActionHealthCheck                     Action = "health_check"
	ActionClientIsAvailable               Action = "client_is_available_to_execute_command"
	ActionCommandInvocationClientResponse Action = "command_invocation_client_response"
	ActionExecuteCommand                  Action = "execute_command"
	ActionDiscardCommandInvocation        Action = "discard_command_invocation"
	ActionGetCalculationStatus            Action = "get_calculation_status"
	ActionFinaliseInteractiveSession      Action = "finalise_interactive_session"
	ActionCancelCalculation               Action = "cancel_calculation"
)

// Payload is implemented by every action payload.
type Payload interface {
	Action() Action
	Validate() error
}

// registry is the closed set of actions the protocol understands.
var registry = map[Action]func() Payload{
	ActionRegisterApplication:             func() Payload { return &RegisterApplication{} },
	ActionHealthCheck:                     func() Payload { return &HealthCheck{} },
	ActionClientIsAvailable:               func() Payload { return &CommandInvocationRequest{} },
	ActionCommandInvocationClientResponse: func() Payload { return &CommandInvocationClientResponse{} },
	ActionExecuteCommand:                  func() Payload { return &CommandExecutionRequest{} },
	ActionDiscardCommandInvocation:        func() Payload { return &DiscardCommandInvocation{} },
	ActionGetCalculationStatus:            func() Payload { return &GetCalculationStatus{} },
	ActionFinaliseInteractiveSession:      func() Payload { return &FinaliseInteractiveSession{} },
	ActionCancelCalculation:               func() Payload { return &CancelCalculation{} },
}

// Known reports whether a is part of the protocol.
func Known(a Action) bool {
	_, ok := registry[a]
	return ok
}

// RegisterApplication announces a client and the application it serves.
// Older clients send the inbox prefix as private_routing_key.
type RegisterApplication struct {
	ApplicationSpec    *model.ApplicationSpec `json:"application_spec"`
	PrivateInboxPrefix string                 `json:"private_inbox_prefix,omitempty"`
	PrivateRoutingKey  string                 `json:"private_routing_key,omitempty"`
	ClientID           string                 `json:"client_id"`
}

func (*RegisterApplication) Action() Action { return ActionRegisterApplication }

// InboxPrefix returns the client's private inbox prefix under either name.
func (p *RegisterApplication) InboxPrefix() string {
	if p.PrivateInboxPrefix != "" {
		return p.PrivateInboxPrefix
	}
	return p.PrivateRoutingKey
}

func (p *RegisterApplication) Validate() error {
	if p.ApplicationSpec == nil {
		return fmt.Errorf("application_spec is required")
	}
	if p.InboxPrefix() == "" {
		return fmt.Errorf("private_inbox_prefix is required")
	}
	if p.PrivateInboxPrefix != "" && p.PrivateRoutingKey != "" && p.PrivateInboxPrefix != p.PrivateRoutingKey {
		return fmt.Errorf("private_inbox_prefix and private_routing_key disagree")
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

// RegisterApplicationResult is the response payload of register_application.
type RegisterApplicationResult struct {
	ApplicationID int64 `json:"application_id"`
}

// HealthCheck has no fields.
type HealthCheck struct{}

func (*HealthCheck) Action() Action { return ActionHealthCheck }
func (*HealthCheck) Validate() error { return nil }

// HealthCheckResult is the response payload of health_check.
type HealthCheckResult struct {
	HealthStatus string `json:"health_status"`
}

// CommandInvocationRequest is broadcast to every client serving an
// application to ask whether it can run the calculation now.
type CommandInvocationRequest struct {
	CalculationID      string         `json:"calculation_id"`
	ApplicationSlug    string         `json:"application_slug"`
	ApplicationVersion string         `json:"application_version"`
	CommandName        string         `json:"command_name"`
	Arguments          map[string]any `json:"arguments"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
}

func (*CommandInvocationRequest) Action() Action { return ActionClientIsAvailable }

func (p *CommandInvocationRequest) Validate() error {
	return validateInvocation(p.CalculationID, p.ApplicationSlug, p.ApplicationVersion, p.CommandName)
}

// CommandInvocationClientResponse is a client's answer to a broadcast.
type CommandInvocationClientResponse struct {
	CalculationID      string `json:"calculation_id"`
	ApplicationSlug    string `json:"application_slug"`
	ApplicationVersion string `json:"application_version"`
	ClientID           string `json:"client_id"`
	ClientIsAvailable  bool   `json:"client_is_available"`
	PrivateInboxPrefix string `json:"private_inbox_prefix"`
}

func (*CommandInvocationClientResponse) Action() Action {
	return ActionCommandInvocationClientResponse
}

func (p *CommandInvocationClientResponse) Validate() error {
	if p.CalculationID == "" {
		return fmt.Errorf("calculation_id is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.ClientIsAvailable && p.PrivateInboxPrefix == "" {
		return fmt.Errorf("private_inbox_prefix is required when the client is available")
	}
	return nil
}

// CommandExecutionRequest tells the elected client to run the calculation.
type CommandExecutionRequest struct {
	CalculationID      string         `json:"calculation_id"`
	ApplicationSlug    string         `json:"application_slug"`
	ApplicationVersion string         `json:"application_version"`
	CommandName        string         `json:"command_name"`
	Arguments          map[string]any `json:"arguments"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
}

func (*CommandExecutionRequest) Action() Action { return ActionExecuteCommand }

func (p *CommandExecutionRequest) Validate() error {
	return validateInvocation(p.CalculationID, p.ApplicationSlug, p.ApplicationVersion, p.CommandName)
}

// ExecuteCommandResult is the response payload of execute_command.
type ExecuteCommandResult struct {
	CalculationID string `json:"calculation_id"`
	Accepted      bool   `json:"accepted"`
}

// DiscardCommandInvocation tells a losing client to forget the calculation.
type DiscardCommandInvocation struct {
	CalculationID string `json:"calculation_id"`
}

func (*DiscardCommandInvocation) Action() Action { return ActionDiscardCommandInvocation }
func (p *DiscardCommandInvocation) Validate() error {
	return requireCalculationID(p.CalculationID)
}

// GetCalculationStatus asks the executing client for live status details.
type GetCalculationStatus struct {
	CalculationID string `json:"calculation_id"`
}

func (*GetCalculationStatus) Action() Action { return ActionGetCalculationStatus }
func (p *GetCalculationStatus) Validate() error {
	return requireCalculationID(p.CalculationID)
}

// FinaliseInteractiveSession closes the GUI session of an interactive command.
type FinaliseInteractiveSession struct {
	CalculationID string `json:"calculation_id"`
}

func (*FinaliseInteractiveSession) Action() Action { return ActionFinaliseInteractiveSession }
func (p *FinaliseInteractiveSession) Validate() error {
	return requireCalculationID(p.CalculationID)
}

// CancelCalculation terminates a running calculation.
type CancelCalculation struct {
	CalculationID string `json:"calculation_id"`
}

func (*CancelCalculation) Action() Action { return ActionCancelCalculation }
func (p *CancelCalculation) Validate() error {
	return requireCalculationID(p.CalculationID)
}

func requireCalculationID(id string) error {
	if id == "" {
		return fmt.Errorf("calculation_id is required")
	}
	return nil
}

func validateInvocation(calcID, slug, version, command string) error {
	if err := requireCalculationID(calcID); err != nil {
		return err
	}
	if slug == "" || version == "" {
		return fmt.Errorf("application_slug and application_version are required")
	}
	if command == "" {
		return fmt.Errorf("command_name is required")
	}
	return nil
}
