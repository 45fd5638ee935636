// Package events defines the event vocabulary published on the bus and
// the subject layout consumed by the WebSocket streamer.
package events

// Event types for session lifecycle
const (
	SessionCreated    = "session.created"
	SessionRunning    = "session.running"
	SessionFailed     = "session.failed"
	SessionTimeout    = "session.timeout"
	SessionTerminated = "session.terminated"
)

// Event types for executions
const (
	ExecutionSubmitted = "execution.submitted"
	ExecutionStarted   = "execution.started"
	ExecutionHeartbeat = "execution.heartbeat"
	ExecutionCompleted = "execution.completed" // any terminal status; Data carries the outcome
)

// Event types for runtime nodes
const (
	NodeRegistered = "node.registered"
	NodeOffline    = "node.offline"
)

// Subject roots. Session subjects carry the session lifecycle; execution
// subjects carry submit/heartbeat/result events keyed by execution id.
const (
	sessionSubjectRoot   = "sandpit.sessions"
	executionSubjectRoot = "sandpit.executions"
)

// BuildSessionSubject creates the subject for one session's lifecycle events
func BuildSessionSubject(sessionID string) string {
	return sessionSubjectRoot + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all session events
func BuildSessionWildcardSubject() string {
	return sessionSubjectRoot + ".*"
}

// BuildExecutionSubject creates the subject for one execution's events
func BuildExecutionSubject(executionID string) string {
	return executionSubjectRoot + "." + executionID
}

// BuildExecutionWildcardSubject creates a wildcard subscription for all execution events
func BuildExecutionWildcardSubject() string {
	return executionSubjectRoot + ".*"
}
