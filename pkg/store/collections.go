package store

import (
	"strconv"
	"strings"

	"github.com/relaymesh/relayd/pkg/models"
)

// Index names shared across collections.
const (
	IndexByUser         = "user"
	IndexByWorker       = "worker"
	IndexByStatus       = "status"
	IndexBySession      = "session"
	IndexByMapping      = "mapping"
	IndexBySource       = "source"
	IndexByUsername     = "username"
	IndexByEmail        = "email"
	IndexByLabel        = "label"
	IndexByUserChat     = "user_chat"
	IndexByPair         = "pair"
	IndexByOrigin       = "origin"
	IndexByForward      = "forward"
	IndexByWorkerStatus = "worker_status"
)

// UserChatKey builds the unique-index key for a user's platform chat.
func UserChatKey(userID string, chatID int64) string {
	return userID + "/" + strconv.FormatInt(chatID, 10)
}

// WorkerStatusKey builds the composite key for the worker-control poll index.
func WorkerStatusKey(workerID string, status models.ControlStatus) string {
	return workerID + "/" + string(status)
}

// Users holds registered accounts. Usernames and emails are unique,
// case-insensitively.
var Users = NewCollection("users",
	func(u *models.User) string { return u.ID },
	NewUniqueIndex(IndexByUsername, func(u *models.User) (string, bool) {
		return strings.ToLower(u.Username), u.Username != ""
	}),
	NewUniqueIndex(IndexByEmail, func(u *models.User) (string, bool) {
		return strings.ToLower(u.Email), u.Email != ""
	}),
)

// Plans is keyed by the owning user id, one row per user.
var Plans = NewCollection("plans",
	func(p *models.Plan) string { return p.UserID },
)

// Sessions holds platform sessions.
var Sessions = NewCollection("sessions",
	func(s *models.Session) string { return s.ID },
	NewIndex(IndexByUser, func(s *models.Session) (string, bool) {
		return s.UserID, true
	}),
	NewIndex(IndexByWorker, func(s *models.Session) (string, bool) {
		return s.WorkerID, s.WorkerID != ""
	}),
	NewIndex(IndexByStatus, func(s *models.Session) (string, bool) {
		return string(s.Status), true
	}),
)

// Workers holds fleet nodes. The human label is unique.
var Workers = NewCollection("workers",
	func(w *models.Worker) string { return w.ID },
	NewUniqueIndex(IndexByLabel, func(w *models.Worker) (string, bool) {
		return w.Label, w.Label != ""
	}),
	NewIndex(IndexByStatus, func(w *models.Worker) (string, bool) {
		return string(w.Status), true
	}),
)

// Assignments binds sessions to workers. The session slot is unique while
// the assignment is live; terminated rows stay behind as history without
// holding the slot.
var Assignments = NewCollection("assignments",
	func(a *models.Assignment) string { return a.ID },
	NewUniqueIndex(IndexBySession, func(a *models.Assignment) (string, bool) {
		return a.SessionID, a.Status.IsLive()
	}),
	NewIndex(IndexByWorker, func(a *models.Assignment) (string, bool) {
		return a.WorkerID, a.Status.IsLive()
	}),
	NewIndex(IndexByUser, func(a *models.Assignment) (string, bool) {
		return a.UserID, true
	}),
	NewIndex(IndexByStatus, func(a *models.Assignment) (string, bool) {
		return string(a.Status), true
	}),
)

// QueueItems holds placement requests waiting for capacity.
var QueueItems = NewCollection("queue_items",
	func(q *models.QueueItem) string { return q.ID },
	NewIndex(IndexByStatus, func(q *models.QueueItem) (string, bool) {
		return string(q.Status), true
	}),
	NewIndex(IndexBySession, func(q *models.QueueItem) (string, bool) {
		return q.SessionID, true
	}),
	NewIndex(IndexByUser, func(q *models.QueueItem) (string, bool) {
		return q.UserID, true
	}),
)

// Sources holds forwarding origins. One row per (user, platform chat).
var Sources = NewCollection("sources",
	func(s *models.Source) string { return s.ID },
	NewIndex(IndexByUser, func(s *models.Source) (string, bool) {
		return s.UserID, true
	}),
	NewUniqueIndex(IndexByUserChat, func(s *models.Source) (string, bool) {
		return UserChatKey(s.UserID, s.ChatID), true
	}),
)

// Destinations holds forwarding targets. One row per (user, platform chat).
var Destinations = NewCollection("destinations",
	func(d *models.Destination) string { return d.ID },
	NewIndex(IndexByUser, func(d *models.Destination) (string, bool) {
		return d.UserID, true
	}),
	NewUniqueIndex(IndexByUserChat, func(d *models.Destination) (string, bool) {
		return UserChatKey(d.UserID, d.ChatID), true
	}),
)

// Mappings holds forwarding pairs. A user may link a given source and
// destination only once.
var Mappings = NewCollection("mappings",
	func(m *models.Mapping) string { return m.ID },
	NewIndex(IndexByUser, func(m *models.Mapping) (string, bool) {
		return m.UserID, true
	}),
	NewIndex(IndexBySource, func(m *models.Mapping) (string, bool) {
		return m.SourceID, true
	}),
	NewUniqueIndex(IndexByPair, func(m *models.Mapping) (string, bool) {
		return m.PairKey(), true
	}),
)

// RegexRules holds user-authored transforms. Rules without a mapping are
// user-global and only appear in the user index.
var RegexRules = NewCollection("regex_rules",
	func(r *models.RegexRule) string { return r.ID },
	NewIndex(IndexByUser, func(r *models.RegexRule) (string, bool) {
		return r.UserID, true
	}),
	NewIndex(IndexByMapping, func(r *models.RegexRule) (string, bool) {
		return r.MappingID, r.MappingID != ""
	}),
)

// Trackers holds the at-most-once bookkeeping. The origin key is unique
// per (mapping, source chat, source message); the forward index resolves a
// forwarded copy back to its row once dispatch filled ForwardedMsgID.
var Trackers = NewCollection("trackers",
	func(t *models.MessageTracker) string { return t.ID },
	NewUniqueIndex(IndexByOrigin, func(t *models.MessageTracker) (string, bool) {
		return t.OriginKey(), true
	}),
	NewIndex(IndexByMapping, func(t *models.MessageTracker) (string, bool) {
		return t.MappingID, true
	}),
	NewIndex(IndexByForward, func(t *models.MessageTracker) (string, bool) {
		return models.ForwardKey(t.DestinationChatID, t.ForwardedMsgID), t.ForwardedMsgID != 0
	}),
)

// PendingMessages holds messages awaiting approval or their scheduled time.
var PendingMessages = NewCollection("pending_messages",
	func(p *models.PendingMessage) string { return p.ID },
	NewIndex(IndexByStatus, func(p *models.PendingMessage) (string, bool) {
		return string(p.Status), true
	}),
	NewIndex(IndexByUser, func(p *models.PendingMessage) (string, bool) {
		return p.UserID, true
	}),
	NewIndex(IndexByMapping, func(p *models.PendingMessage) (string, bool) {
		return p.MappingID, true
	}),
)

// ForwardingLogs is the append-only outcome journal. Time order falls out
// of the v7 primary keys.
var ForwardingLogs = NewCollection("forwarding_logs",
	func(l *models.ForwardingLog) string { return l.ID },
	NewIndex(IndexByStatus, func(l *models.ForwardingLog) (string, bool) {
		return string(l.Status), true
	}),
	NewIndex(IndexByMapping, func(l *models.ForwardingLog) (string, bool) {
		return l.MappingID, l.MappingID != ""
	}),
)

// ScalingEvents records overload threshold crossings.
var ScalingEvents = NewCollection("scaling_events",
	func(e *models.ScalingEvent) string { return e.ID },
)

// WorkerAnalytics keeps heartbeat samples for capacity planning.
var WorkerAnalytics = NewCollection("worker_analytics",
	func(a *models.WorkerAnalytics) string { return a.ID },
	NewIndex(IndexByWorker, func(a *models.WorkerAnalytics) (string, bool) {
		return a.WorkerID, true
	}),
)

// WorkerControls holds the command records workers poll or receive pushes
// for. The composite worker_status index serves the pending-per-worker poll.
var WorkerControls = NewCollection("worker_controls",
	func(c *models.WorkerControl) string { return c.ID },
	NewIndex(IndexByWorker, func(c *models.WorkerControl) (string, bool) {
		return c.WorkerID, true
	}),
	NewIndex(IndexByStatus, func(c *models.WorkerControl) (string, bool) {
		return string(c.Status), true
	}),
	NewIndex(IndexByWorkerStatus, func(c *models.WorkerControl) (string, bool) {
		return WorkerStatusKey(c.WorkerID, c.Status), true
	}),
)
