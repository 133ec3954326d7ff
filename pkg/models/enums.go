package models

// Tier is a subscription plan tier. It doubles as the user role.
type Tier string

const (
	// TierFree is the default tier for new registrations
	TierFree Tier = "free"
	// TierPro is the first paid tier
	TierPro Tier = "pro"
	// TierElite is the highest paid tier
	TierElite Tier = "elite"
	// TierAdmin is the operator tier with unlimited quotas
	TierAdmin Tier = "admin"
)

// IsValid checks if the tier is valid
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierElite, TierAdmin:
		return true
	default:
		return false
	}
}

// IsPremium reports whether the tier bypasses the free-user headroom rule
// during worker placement.
func (t Tier) IsPremium() bool {
	return t == TierPro || t == TierElite || t == TierAdmin
}

// PlanStatus defines the lifecycle state of a subscription plan
type PlanStatus string

const (
	// PlanStatusActive is a plan currently in force
	PlanStatusActive PlanStatus = "active"
	// PlanStatusExpired is a plan past its expiry date
	PlanStatusExpired PlanStatus = "expired"
	// PlanStatusCancelled is a plan cancelled by the user or an admin
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsValid checks if the plan status is valid
func (s PlanStatus) IsValid() bool {
	return s == PlanStatusActive || s == PlanStatusExpired || s == PlanStatusCancelled
}

// SessionStatus defines the lifecycle state of a platform session
type SessionStatus string

const (
	// SessionStatusIdle is a session created but not placed on a worker
	SessionStatusIdle SessionStatus = "idle"
	// SessionStatusActive is a session running on a worker
	SessionStatusActive SessionStatus = "active"
	// SessionStatusPaused is a session paused by its owner
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusCrashed is a session lost to worker failure or auth failure
	SessionStatusCrashed SessionStatus = "crashed"
	// SessionStatusStopped is a session stopped by its owner
	SessionStatusStopped SessionStatus = "stopped"
)

// IsValid checks if the session status is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusIdle, SessionStatusActive, SessionStatusPaused,
		SessionStatusCrashed, SessionStatusStopped:
		return true
	default:
		return false
	}
}

// CountsAgainstQuota reports whether a session in this status occupies a
// plan slot. Idle and stopped sessions hold no reservation.
func (s SessionStatus) CountsAgainstQuota() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCrashed:
		return true
	default:
		return false
	}
}

// WorkerStatus defines the lifecycle state of a worker node
type WorkerStatus string

const (
	// WorkerStatusOnline is a worker with a recent heartbeat
	WorkerStatusOnline WorkerStatus = "online"
	// WorkerStatusDraining is a worker excluded from new placements by an admin
	WorkerStatusDraining WorkerStatus = "draining"
	// WorkerStatusOffline is a worker whose heartbeat lapsed
	WorkerStatusOffline WorkerStatus = "offline"
)

// IsValid checks if the worker status is valid
func (s WorkerStatus) IsValid() bool {
	return s == WorkerStatusOnline || s == WorkerStatusDraining || s == WorkerStatusOffline
}

// AssignmentType records how a session landed on its worker
type AssignmentType string

const (
	// AssignmentTypeAutomatic is a placement chosen by the scheduler
	AssignmentTypeAutomatic AssignmentType = "automatic"
	// AssignmentTypeManual is a placement forced by an admin
	AssignmentTypeManual AssignmentType = "manual"
	// AssignmentTypeMigration is a placement produced by worker-loss recovery
	AssignmentTypeMigration AssignmentType = "migration"
)

// IsValid checks if the assignment type is valid
func (t AssignmentType) IsValid() bool {
	return t == AssignmentTypeAutomatic || t == AssignmentTypeManual || t == AssignmentTypeMigration
}

// AssignmentStatus defines the lifecycle state of a session assignment
type AssignmentStatus string

const (
	// AssignmentStatusAssigned is an assignment awaiting the worker's ack
	AssignmentStatusAssigned AssignmentStatus = "assigned"
	// AssignmentStatusActive is an assignment confirmed by the worker
	AssignmentStatusActive AssignmentStatus = "active"
	// AssignmentStatusPaused is an assignment whose session is paused
	AssignmentStatusPaused AssignmentStatus = "paused"
	// AssignmentStatusMigrating is an assignment being moved off a lost worker
	AssignmentStatusMigrating AssignmentStatus = "migrating"
	// AssignmentStatusTerminated is the terminal state
	AssignmentStatusTerminated AssignmentStatus = "terminated"
)

// IsValid checks if the assignment status is valid
func (s AssignmentStatus) IsValid() bool {
	switch s {
	case AssignmentStatusAssigned, AssignmentStatusActive, AssignmentStatusPaused,
		AssignmentStatusMigrating, AssignmentStatusTerminated:
		return true
	default:
		return false
	}
}

// IsLive reports whether the assignment still binds the session to a worker.
func (s AssignmentStatus) IsLive() bool {
	switch s {
	case AssignmentStatusAssigned, AssignmentStatusActive, AssignmentStatusPaused, AssignmentStatusMigrating:
		return true
	default:
		return false
	}
}

// QueueStatus defines the lifecycle state of a queued placement request
type QueueStatus string

const (
	// QueueStatusQueued is a request waiting for worker capacity
	QueueStatusQueued QueueStatus = "queued"
	// QueueStatusPromoted is a request that got its placement
	QueueStatusPromoted QueueStatus = "promoted"
	// QueueStatusExpired is a request that aged out before capacity appeared
	QueueStatusExpired QueueStatus = "expired"
)

// IsValid checks if the queue status is valid
func (s QueueStatus) IsValid() bool {
	return s == QueueStatusQueued || s == QueueStatusPromoted || s == QueueStatusExpired
}

// ChatType defines the kind of platform chat behind a source or destination
type ChatType string

const (
	// ChatTypeChannel is a broadcast channel
	ChatTypeChannel ChatType = "channel"
	// ChatTypeGroup is a group chat
	ChatTypeGroup ChatType = "group"
)

// IsValid checks if the chat type is valid
func (t ChatType) IsValid() bool {
	return t == ChatTypeChannel || t == ChatTypeGroup
}

// KeywordMode defines how include keywords combine
type KeywordMode string

const (
	// KeywordModeAny passes a message matching at least one include keyword
	KeywordModeAny KeywordMode = "any"
	// KeywordModeAll passes a message only when every include keyword matches
	KeywordModeAll KeywordMode = "all"
)

// IsValid checks if the keyword mode is valid
func (m KeywordMode) IsValid() bool {
	return m == KeywordModeAny || m == KeywordModeAll
}

// RuleKind defines the transform a regex rule applies
type RuleKind string

const (
	// RuleKindFindReplace substitutes every match with the replacement
	RuleKindFindReplace RuleKind = "find_replace"
	// RuleKindRemove deletes every match
	RuleKindRemove RuleKind = "remove"
	// RuleKindExtract replaces the whole text with the concatenated captures
	RuleKindExtract RuleKind = "extract"
	// RuleKindConditionalReplace replaces the whole text when the pattern matches
	RuleKindConditionalReplace RuleKind = "conditional_replace"
)

// IsValid checks if the rule kind is valid
func (k RuleKind) IsValid() bool {
	switch k {
	case RuleKindFindReplace, RuleKindRemove, RuleKindExtract, RuleKindConditionalReplace:
		return true
	default:
		return false
	}
}

// PendingStatus defines the lifecycle state of a message held for approval
type PendingStatus string

const (
	// PendingStatusPending awaits a decision
	PendingStatusPending PendingStatus = "pending"
	// PendingStatusApproved was approved and awaits its scheduled time
	PendingStatusApproved PendingStatus = "approved"
	// PendingStatusRejected was rejected and will never be sent
	PendingStatusRejected PendingStatus = "rejected"
	// PendingStatusExpired aged out without a decision
	PendingStatusExpired PendingStatus = "expired"
	// PendingStatusScheduled was picked up by the dispatcher
	PendingStatusScheduled PendingStatus = "scheduled"
	// PendingStatusSent was delivered
	PendingStatusSent PendingStatus = "sent"
	// PendingStatusFailed could not be delivered and will not be retried
	PendingStatusFailed PendingStatus = "failed"
)

// IsValid checks if the pending status is valid
func (s PendingStatus) IsValid() bool {
	switch s {
	case PendingStatusPending, PendingStatusApproved, PendingStatusRejected,
		PendingStatusExpired, PendingStatusScheduled, PendingStatusSent,
		PendingStatusFailed:
		return true
	default:
		return false
	}
}

// LogStatus defines the outcome recorded in a forwarding log row
type LogStatus string

const (
	// LogStatusSuccess is a delivered (or deliberately deduplicated) message
	LogStatusSuccess LogStatus = "success"
	// LogStatusFiltered is a message stopped by a mapping's gates
	LogStatusFiltered LogStatus = "filtered"
	// LogStatusError is a message that failed dispatch or evaluation
	LogStatusError LogStatus = "error"
	// LogStatusTest is a dry-run produced by the rule-test endpoint
	LogStatusTest LogStatus = "test"
)

// IsValid checks if the log status is valid
func (s LogStatus) IsValid() bool {
	return s == LogStatusSuccess || s == LogStatusFiltered || s == LogStatusError || s == LogStatusTest
}

// ControlAction defines the command carried by a worker control record
type ControlAction string

const (
	// ControlActionStartSession tells the worker to open a platform session
	ControlActionStartSession ControlAction = "start_session"
	// ControlActionStopSession tells the worker to close a platform session
	ControlActionStopSession ControlAction = "stop_session"
)

// IsValid checks if the control action is valid
func (a ControlAction) IsValid() bool {
	return a == ControlActionStartSession || a == ControlActionStopSession
}

// ControlStatus defines the delivery state of a worker control record
type ControlStatus string

const (
	// ControlStatusPending awaits delivery to the worker
	ControlStatusPending ControlStatus = "pending"
	// ControlStatusDelivered reached the worker but is not yet acknowledged
	ControlStatusDelivered ControlStatus = "delivered"
	// ControlStatusAcked was acknowledged by the worker
	ControlStatusAcked ControlStatus = "acked"
)

// IsValid checks if the control status is valid
func (s ControlStatus) IsValid() bool {
	return s == ControlStatusPending || s == ControlStatusDelivered || s == ControlStatusAcked
}

// ScalingTrigger names the threshold that produced a scaling event
type ScalingTrigger string

const (
	// ScalingTriggerHighQueue fires when the placement queue backs up
	ScalingTriggerHighQueue ScalingTrigger = "high_queue"
	// ScalingTriggerHighLoad fires when fleet RAM utilisation crosses the ceiling
	ScalingTriggerHighLoad ScalingTrigger = "high_load"
)

// IsValid checks if the scaling trigger is valid
func (t ScalingTrigger) IsValid() bool {
	return t == ScalingTriggerHighQueue || t == ScalingTriggerHighLoad
}

// EventType defines the kind of platform update a worker delivers
type EventType string

const (
	// EventTypeMessage is a new inbound message
	EventTypeMessage EventType = "message"
	// EventTypeEdit is an edit of an earlier message
	EventTypeEdit EventType = "edit"
	// EventTypeDelete is a deletion of an earlier message
	EventTypeDelete EventType = "delete"
)

// IsValid checks if the event type is valid
func (t EventType) IsValid() bool {
	return t == EventTypeMessage || t == EventTypeEdit || t == EventTypeDelete
}
