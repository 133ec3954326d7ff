// Package events delivers control-plane happenings to WebSocket clients:
// placement decisions, queue movement, migrations, scaling alerts and plan
// overages. Delivery is best-effort fan-out; clients that need a complete
// view reload through the REST API.
package events

// Event types carried in the envelope's "type" field.
const (
	// Session placement lifecycle
	EventTypeSessionAssigned = "session.assigned"
	EventTypeSessionQueued   = "session.queued"
	EventTypeQueuePromoted   = "queue.promoted"
	EventTypeSessionMigrated = "session.migrated"

	// Fleet signals
	EventTypeScaling      = "scaling.alert"
	EventTypeWorkerStatus = "worker.status"

	// Quota signals
	EventTypePlanOverage = "plan.overage"
)

// GlobalSessionsChannel carries every session placement event. The admin
// dashboard's session list subscribes to it.
const GlobalSessionsChannel = "sessions"

// WorkersChannel carries worker status transitions.
const WorkersChannel = "workers"

// OpsChannel carries scaling alerts and plan overages for operators.
const OpsChannel = "ops"

// UserChannel returns the channel scoped to one user's own events.
// Format: "user:{user_id}"
func UserChannel(userID string) string {
	return "user:" + userID
}

// ClientMessage is the JSON structure for client to server messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "sessions", "user:abc-123"
}
