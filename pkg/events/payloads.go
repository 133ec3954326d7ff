package events

import (
	"time"

	"github.com/relaymesh/relayd/pkg/models"
)

// Envelope is the wire frame of every broadcast event.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	At      string `json:"at"` // RFC 3339
	Payload any    `json:"payload"`
}

func newEnvelope(eventType, channel string, payload any) *Envelope {
	return &Envelope{
		Type:    eventType,
		Channel: channel,
		At:      time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	}
}

// SessionAssignedPayload reports a session landing on a worker.
type SessionAssignedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	WorkerID  string `json:"worker_id"`
}

// SessionQueuedPayload reports a session entering the placement queue.
type SessionQueuedPayload struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Position       int    `json:"position"`
	EstWaitSeconds int    `json:"est_wait_seconds"`
}

// QueuePromotedPayload reports a queued session getting its placement.
type QueuePromotedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	WorkerID  string `json:"worker_id"`
}

// SessionMigratedPayload reports worker-loss recovery moving a session.
type SessionMigratedPayload struct {
	SessionID    string `json:"session_id"`
	FromWorkerID string `json:"from_worker_id"`
	ToWorkerID   string `json:"to_worker_id"`
}

// ScalingPayload reports a capacity threshold crossing.
type ScalingPayload struct {
	Trigger     models.ScalingTrigger `json:"trigger"`
	QueueDepth  int                   `json:"queue_depth"`
	Utilisation float64               `json:"utilisation"`
}

// WorkerStatusPayload reports a worker lifecycle transition.
type WorkerStatusPayload struct {
	WorkerID string              `json:"worker_id"`
	Label    string              `json:"label"`
	Status   models.WorkerStatus `json:"status"`
}

// PlanOveragePayload reports a plan holding more than its new tier allows
// after a downgrade.
type PlanOveragePayload struct {
	UserID string      `json:"user_id"`
	Tier   models.Tier `json:"tier"`
	Kind   string      `json:"kind"`
	Used   int         `json:"used"`
	Limit  int         `json:"limit"`
}
