package events

// NATS subject constants for broker events.
// Format: screenlink.<domain>.<action>

const (
	// Agent lifecycle events
	SubjectAgentOnline  = "screenlink.agent.online"
	SubjectAgentOffline = "screenlink.agent.offline"

	// Command audit events
	SubjectCommandCompleted = "screenlink.command.completed"
	SubjectCommandFailed    = "screenlink.command.failed"

	// License events
	SubjectLicenseChanged = "screenlink.license.changed"
)
