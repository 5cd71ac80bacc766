package protocol

import "github.com/qcrbox/qcrbox/internal/model"

// Subjects owned by the registry.
const (
	RegistrySubject            = "server.cmd.registry"
	InvocationResponsePrefix   = "server.cmd.invocation_response."
	InvocationResponseWildcard = InvocationResponsePrefix + "*"
	invocationBroadcastPrefix  = "client.cmd.handle_invocation_request."
)

// KV bucket names.
const (
	ApplicationsBucket      = "applications"
	CalculationStatusBucket = "calculation_status"
)

// Verbs appended to a client's private inbox prefix.
const (
	InboxExecute  = "execute"
	InboxDiscard  = "discard"
	InboxStatus   = "status"
	InboxFinalise = "finalise"
	InboxCancel   = "cancel"
	InboxHealth   = "health"
)

// InvocationBroadcastSubject is where availability queries for an
// application are published.
func InvocationBroadcastSubject(slug, version string) string {
	return invocationBroadcastPrefix + model.SanitizeSubjectToken(slug) + "." + model.SanitizeSubjectToken(version)
}

// InvocationResponseSubject is where clients answer availability queries for
// one calculation.
func InvocationResponseSubject(calculationID string) string {
	return InvocationResponsePrefix + model.SanitizeSubjectToken(calculationID)
}

// InboxSubject is a subject under a client's private inbox prefix.
func InboxSubject(prefix, verb string) string {
	return prefix + ".cmd." + verb
}

// InboxWildcard matches every subject under a client's private inbox prefix.
func InboxWildcard(prefix string) string {
	return prefix + ".cmd.*"
}

// InboxVerb maps an action to the inbox verb it is sent on.
func InboxVerb(a Action) (string, bool) {
	switch a {
	case ActionExecuteCommand:
		return InboxExecute, true
	case ActionDiscardCommandInvocation:
		return InboxDiscard, true
	case ActionGetCalculationStatus:
		return InboxStatus, true
	case ActionFinaliseInteractiveSession:
		return InboxFinalise, true
	case ActionCancelCalculation:
		return InboxCancel, true
	case ActionHealthCheck:
		return InboxHealth, true
	}
	return "", false
}
