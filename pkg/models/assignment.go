package models

import "time"

// Assignment binds a session to exactly one worker. At most one live
// assignment exists per session, enforced by a unique index.
type Assignment struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	WorkerID          string           `json:"worker_id"`
	UserID            string           `json:"user_id"`
	Type              AssignmentType   `json:"type"`
	Status            AssignmentStatus `json:"status"`
	Priority          int              `json:"priority"`
	MessagesProcessed int64            `json:"messages_processed"`
	RAMUsageMB        int64            `json:"ram_usage_mb"`
	AvgProcessingMS   float64          `json:"avg_processing_ms"`
	AssignedAt        time.Time        `json:"assigned_at"`
	ActivatedAt       *time.Time       `json:"activated_at,omitempty"`
	LastHeartbeat     *time.Time       `json:"last_heartbeat,omitempty"`
	LastMigration     *time.Time       `json:"last_migration,omitempty"`
}

// QueueItem is a placement request waiting for worker capacity. Positions
// form a dense 1-based ranking over status=queued ordered by
// (priority desc, queued_at asc).
type QueueItem struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	SessionID      string      `json:"session_id"`
	Priority       int         `json:"priority"`
	Position       int         `json:"position"`
	EstWaitSeconds int         `json:"est_wait_s"`
	Status         QueueStatus `json:"status"`
	QueuedAt       time.Time   `json:"queued_at"`
	PromotedAt     *time.Time  `json:"promoted_at,omitempty"`
}

// ScalingEvent records an overload threshold crossing. Append-only;
// Notified marks whether the operator side-effect fired (cooldown gating).
type ScalingEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Trigger     ScalingTrigger `json:"trigger"`
	QueueDepth  int            `json:"queue_depth"`
	Utilisation float64        `json:"utilisation"`
	Notified    bool           `json:"notified"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ScalingEventOverflow is the only scaling event type emitted today.
const ScalingEventOverflow = "overflow_detected"

// WorkerControl is a command record for a worker, written transactionally
// with the decision that produced it and delivered by push or poll.
type WorkerControl struct {
	ID          string        `json:"id"`
	WorkerID    string        `json:"worker_id"`
	SessionID   string        `json:"session_id"`
	Action      ControlAction `json:"action"`
	Status      ControlStatus `json:"status"`
	Payload     []byte        `json:"payload,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
}
