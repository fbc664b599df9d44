// Package events defines the subjects session lifecycle events are published under.
package events

import "fmt"

// Event types
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionArchived      = "session.archived"
	SessionOutput        = "session.output"
	MessageAdded         = "message.added"
	ExecutionRecorded    = "execution.recorded"
	PermissionDecided    = "permission.decided"

	ProjectCreated   = "project.created"
	ProjectUpdated   = "project.updated"
	ProjectActivated = "project.activated"
)

// SessionSubject returns the subject an event type is published on for one session,
// e.g. "session.status_changed.<id>". Subscribe to "<type>.*" for every session.
func SessionSubject(eventType, sessionID string) string {
	return fmt.Sprintf("%s.%s", eventType, sessionID)
}

// ProjectSubject returns the subject a project event is published on.
func ProjectSubject(eventType, projectID string) string {
	return fmt.Sprintf("%s.%s", eventType, projectID)
}

// AllSessionEvents returns the pattern matching every event published for one session.
func AllSessionEvents(sessionID string) string {
	return "*.*." + sessionID
}
