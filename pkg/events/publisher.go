package events

import (
	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
)

// Publisher turns scheduler and quota side-effects into broadcast events.
// It satisfies both the scheduler's and the quota manager's notifier
// contracts; all methods return promptly because hub sends are bounded by
// the write timeout per connection.
type Publisher struct {
	hub *Hub
}

// NewPublisher creates a publisher over the hub.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// NotifySessionAssigned reports a placement to the fleet view and the
// owning user.
func (p *Publisher) NotifySessionAssigned(sessionID, userID, workerID string) {
	payload := SessionAssignedPayload{SessionID: sessionID, UserID: userID, WorkerID: workerID}
	p.fanOut(EventTypeSessionAssigned, payload, GlobalSessionsChannel, UserChannel(userID))
}

// NotifySessionQueued reports a session entering the wait queue.
func (p *Publisher) NotifySessionQueued(sessionID, userID string, position, estWaitSeconds int) {
	payload := SessionQueuedPayload{
		SessionID: sessionID, UserID: userID,
		Position: position, EstWaitSeconds: estWaitSeconds,
	}
	p.fanOut(EventTypeSessionQueued, payload, GlobalSessionsChannel, UserChannel(userID))
}

// NotifyQueuePromoted reports a queued session getting its worker.
func (p *Publisher) NotifyQueuePromoted(sessionID, userID, workerID string) {
	payload := QueuePromotedPayload{SessionID: sessionID, UserID: userID, WorkerID: workerID}
	p.fanOut(EventTypeQueuePromoted, payload, GlobalSessionsChannel, UserChannel(userID))
}

// NotifySessionMigrated reports worker-loss recovery moving a session.
func (p *Publisher) NotifySessionMigrated(sessionID, fromWorkerID, toWorkerID string) {
	payload := SessionMigratedPayload{
		SessionID: sessionID, FromWorkerID: fromWorkerID, ToWorkerID: toWorkerID,
	}
	p.fanOut(EventTypeSessionMigrated, payload, GlobalSessionsChannel)
}

// NotifyScalingEvent reports a capacity threshold crossing to operators.
func (p *Publisher) NotifyScalingEvent(ev *models.ScalingEvent) {
	payload := ScalingPayload{
		Trigger: ev.Trigger, QueueDepth: ev.QueueDepth, Utilisation: ev.Utilisation,
	}
	p.fanOut(EventTypeScaling, payload, OpsChannel)
}

// NotifyWorkerStatus reports a worker lifecycle transition.
func (p *Publisher) NotifyWorkerStatus(workerID, label string, status models.WorkerStatus) {
	payload := WorkerStatusPayload{WorkerID: workerID, Label: label, Status: status}
	p.fanOut(EventTypeWorkerStatus, payload, WorkersChannel)
}

// NotifyPlanOverage reports a downgraded plan holding more than its tier
// allows.
func (p *Publisher) NotifyPlanOverage(userID string, tier models.Tier, kind quota.Kind, used, limit int) {
	payload := PlanOveragePayload{
		UserID: userID, Tier: tier, Kind: string(kind), Used: used, Limit: limit,
	}
	p.fanOut(EventTypePlanOverage, payload, OpsChannel, UserChannel(userID))
}

func (p *Publisher) fanOut(eventType string, payload any, channels ...string) {
	for _, ch := range channels {
		p.hub.Broadcast(newEnvelope(eventType, ch, payload))
	}
}
