package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/store"
)

// processEvent resolves an event to its source, takes the source's
// ordering lock and runs the event against every active mapping of that
// source, highest priority first.
func (p *Pipeline) processEvent(ctx context.Context, event platform.Event) error {
	started := time.Now()

	var (
		session  *models.Session
		source   *models.Source
		mappings []*models.Mapping
	)
	err := p.backend.View(ctx, func(tx store.Tx) error {
		var err error
		session, err = store.Sessions.Get(tx, event.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		source, err = store.Sources.GetUnique(tx, store.IndexByUserChat,
			store.UserChatKey(session.UserID, event.SourceChatID))
		if err != nil {
			return err
		}
		mappings, err = store.Mappings.ByIndex(tx, store.IndexBySource, source.ID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		// The chat is not registered as a source; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	if !source.Active {
		return nil
	}

	live := mappings[:0]
	for _, m := range mappings {
		if m.Active {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	// Sibling mappings of a source must see events in arrival order, even
	// when they ride in on different sessions of the same user.
	unlock := p.sourceLocks.lock(source.ID)
	defer unlock()

	for _, m := range live {
		var err error
		switch event.Kind {
		case models.EventTypeMessage:
			err = p.handleMessage(ctx, event, session, source, m, started)
		case models.EventTypeEdit:
			err = p.handleEdit(ctx, event, m)
		case models.EventTypeDelete:
			err = p.handleDelete(ctx, event, m)
		default:
			err = fmt.Errorf("unknown event kind %q", event.Kind)
		}
		if err != nil {
			slog.Error("Mapping processing failed",
				"mapping_id", m.ID, "kind", event.Kind,
				"source_chat_id", event.SourceChatID,
				"message_id", event.MessageID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) handleMessage(ctx context.Context, event platform.Event, session *models.Session, source *models.Source, m *models.Mapping, started time.Time) error {
	policy, err := p.engine.PolicyFor(ctx, m)
	if err != nil {
		return p.writeLog(ctx, event, m, &models.ForwardingLog{
			Status: models.LogStatusError,
			Error:  fmt.Sprintf("compile policy: %v", err),
		}, started)
	}

	decision := rules.Evaluate(rules.Event{
		Type:      event.MessageType,
		Text:      event.Text,
		IsForward: event.IsForward,
	}, policy)

	switch decision.Action {
	case rules.ActionFiltered:
		return p.writeLog(ctx, event, m, &models.ForwardingLog{
			Status:       models.LogStatusFiltered,
			FilterReason: decision.Reason,
		}, started)

	case rules.ActionBlocked:
		return p.writeLog(ctx, event, m, &models.ForwardingLog{
			Status: models.LogStatusError,
			Error:  decision.Reason,
		}, started)

	case rules.ActionNeedsApproval:
		return p.hold(ctx, event, m, decision.Rendered, models.PendingStatusPending)
	}

	// A delay-only mapping forwards, but not yet: the row goes straight
	// to approved and the dispatcher sends it at its scheduled time.
	if m.Delay.Enabled && m.Delay.Seconds > 0 {
		return p.hold(ctx, event, m, decision.Rendered, models.PendingStatusApproved)
	}

	err = p.forward(ctx, event, session, source, m, decision.Rendered, started)
	if quota.IsThrottled(err) || quota.IsQuotaExceeded(err) {
		// Already recorded as a filtered log; live traffic just moves on.
		return nil
	}
	return err
}

// hold parks the rendered message as a pending row. Pending rows wait for
// an approval decision; approved rows only wait out their delay.
func (p *Pipeline) hold(ctx context.Context, event platform.Event, m *models.Mapping, rendered string, status models.PendingStatus) error {
	now := time.Now()
	pending := &models.PendingMessage{
		ID:               models.NewID(),
		MappingID:        m.ID,
		UserID:           m.UserID,
		SourceChatID:     event.SourceChatID,
		SourceMsgID:      event.MessageID,
		OriginalContent:  []byte(event.Text),
		ProcessedContent: []byte(rendered),
		Status:           status,
		ScheduledFor:     now.Add(time.Duration(m.Delay.Seconds) * time.Second),
		CreatedAt:        now,
	}
	if status == models.PendingStatusApproved {
		pending.ApprovedBy = models.ApprovedByAuto
		pending.ApprovedAt = &now
	} else if m.Delay.AutoApproveAfterS > 0 {
		expires := now.Add(time.Duration(m.Delay.AutoApproveAfterS) * time.Second)
		pending.ExpiresAt = &expires
	}

	return store.WithRetry(ctx, p.backend, func(tx store.Tx) error {
		return store.PendingMessages.Insert(tx, pending)
	})
}

// forward performs the at-most-once dispatch: the tracker row is claimed
// and committed before any network call, so a crash between commit and
// send loses at most one message instead of duplicating it.
func (p *Pipeline) forward(ctx context.Context, event platform.Event, session *models.Session, source *models.Source, m *models.Mapping, rendered string, started time.Time) error {
	if err := p.quotas.Allow(ctx, m.UserID, "message"); err != nil {
		if quota.IsThrottled(err) || quota.IsQuotaExceeded(err) {
			if lerr := p.writeLog(ctx, event, m, &models.ForwardingLog{
				Status:       models.LogStatusFiltered,
				FilterReason: "throttled",
			}, started); lerr != nil {
				return lerr
			}
		}
		return err
	}

	var dest *models.Destination
	tracker := &models.MessageTracker{
		ID:           models.NewID(),
		MappingID:    m.ID,
		SourceChatID: event.SourceChatID,
		SourceMsgID:  event.MessageID,
		CreatedAt:    time.Now(),
	}
	err := store.WithRetry(ctx, p.backend, func(tx store.Tx) error {
		var err error
		dest, err = store.Destinations.Get(tx, m.DestinationID)
		if err != nil {
			return fmt.Errorf("load destination: %w", err)
		}
		tracker.DestinationChatID = dest.ChatID
		return store.Trackers.Insert(tx, tracker)
	})
	if errors.Is(err, store.ErrConflict) {
		// Duplicate origin: already forwarded (or mid-flight). Drop it.
		return p.writeLog(ctx, event, m, &models.ForwardingLog{
			Status:       models.LogStatusSuccess,
			FilterReason: "duplicate",
		}, started)
	}
	if err != nil {
		return err
	}

	forwardedID, sendErr := p.dispatch(ctx, session, dest.ChatID, rendered)
	if sendErr != nil {
		return p.dispatchFailed(ctx, event, session, m, tracker, rendered, sendErr, started)
	}

	now := time.Now()
	err = store.WithRetry(ctx, p.backend, func(tx store.Tx) error {
		if _, err := store.Trackers.Update(tx, tracker.ID, func(t *models.MessageTracker) error {
			t.ForwardedMsgID = forwardedID
			t.LastSynced = now
			return nil
		}); err != nil {
			return err
		}
		if _, err := store.Sessions.Update(tx, session.ID, func(s *models.Session) error {
			s.MessageCount++
			s.LastActivity = &now
			return nil
		}); err != nil {
			return err
		}
		if _, err := store.Sources.Update(tx, source.ID, func(s *models.Source) error {
			s.MessageCount++
			return nil
		}); err != nil {
			return err
		}
		if _, err := store.Destinations.Update(tx, dest.ID, func(d *models.Destination) error {
			d.MessageCount++
			return nil
		}); err != nil {
			return err
		}
		_, err := store.Mappings.Update(tx, m.ID, func(mm *models.Mapping) error {
			mm.MessageCount++
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	return p.writeLog(ctx, event, m, &models.ForwardingLog{
		Status:        models.LogStatusSuccess,
		ProcessedText: rendered,
	}, started)
}

// dispatch sends through the session's current worker, retrying transient
// failures with exponential backoff up to the configured budget.
func (p *Pipeline) dispatch(ctx context.Context, session *models.Session, destinationChatID int64, text string) (int64, error) {
	var forwardedID int64
	op := func() error {
		workerID := session.WorkerID
		if workerID == "" {
			// Mid-migration; the next attempt may see the new worker.
			if err := p.backend.View(ctx, func(tx store.Tx) error {
				s, err := store.Sessions.Get(tx, session.ID)
				if err != nil {
					return err
				}
				workerID = s.WorkerID
				return nil
			}); err != nil {
				return err
			}
			if workerID == "" {
				return errors.New("session has no worker")
			}
		}
		client, err := p.clients.ClientFor(ctx, workerID)
		if err != nil {
			return err
		}
		id, err := client.Send(ctx, session.ID, destinationChatID, text)
		if err != nil {
			if platform.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		forwardedID = id
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryBase
	b.Multiplier = 2
	b.MaxInterval = p.config.RetryCap
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.config.RetryMax)), ctx))
	return forwardedID, err
}

// dispatchFailed settles the tracker row after a failed send and returns
// the send error so callers can tell delivery never happened. A transient
// failure keeps the claim so a redelivered event stays deduplicated; a
// permanent one releases it. A dead platform session is reported so the
// scheduler can recover the assignment.
func (p *Pipeline) dispatchFailed(ctx context.Context, event platform.Event, session *models.Session, m *models.Mapping, tracker *models.MessageTracker, rendered string, sendErr error, started time.Time) error {
	if platform.IsPermanent(sendErr) {
		if err := store.WithRetry(ctx, p.backend, func(tx store.Tx) error {
			return store.Trackers.Delete(tx, tracker.ID)
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to release tracker claim",
				"tracker_id", tracker.ID, "error", err)
		}
	}

	if platform.IsSessionInvalid(sendErr) && p.failures != nil {
		if err := p.failures.HandleSessionFailure(ctx, session.ID, "session_invalid", sendErr.Error()); err != nil {
			slog.Error("Failed to report dead session",
				"session_id", session.ID, "error", err)
		}
	}

	if err := p.writeLog(ctx, event, m, &models.ForwardingLog{
		Status:        models.LogStatusError,
		ProcessedText: rendered,
		Error:         sendErr.Error(),
	}, started); err != nil {
		slog.Error("Failed to record dispatch failure",
			"mapping_id", m.ID, "error", err)
	}
	return sendErr
}

// handleEdit re-evaluates the edited text and hands the propagation to the
// sync dispatcher. An edit of a never-forwarded message is ignored.
func (p *Pipeline) handleEdit(ctx context.Context, event platform.Event, m *models.Mapping) error {
	if !m.Sync.UpdateEnabled {
		return nil
	}

	var tracker *models.MessageTracker
	err := p.backend.View(ctx, func(tx store.Tx) error {
		var err error
		tracker, err = store.Trackers.GetUnique(tx, store.IndexByOrigin,
			models.TrackerOriginKey(m.ID, event.SourceChatID, event.MessageID))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	policy, err := p.engine.PolicyFor(ctx, m)
	if err != nil {
		return err
	}
	decision := rules.Evaluate(rules.Event{
		Type:      event.MessageType,
		Text:      event.Text,
		IsForward: event.IsForward,
	}, policy)
	if decision.Action == rules.ActionFiltered || decision.Action == rules.ActionBlocked {
		// The edited text no longer passes the gates; the forwarded copy
		// keeps its last rendered content.
		return p.writeLog(ctx, event, m, &models.ForwardingLog{
			Status:       models.LogStatusFiltered,
			FilterReason: decision.Reason,
		}, time.Now())
	}

	p.syncer.EnqueueEdit(tracker.ID, decision.Rendered,
		time.Duration(m.Sync.UpdateDelayS)*time.Second)
	return nil
}

// handleDelete hands the forwarded copy's removal to the sync dispatcher.
func (p *Pipeline) handleDelete(ctx context.Context, event platform.Event, m *models.Mapping) error {
	if !m.Sync.DeleteEnabled {
		return nil
	}

	var tracker *models.MessageTracker
	err := p.backend.View(ctx, func(tx store.Tx) error {
		var err error
		tracker, err = store.Trackers.GetUnique(tx, store.IndexByOrigin,
			models.TrackerOriginKey(m.ID, event.SourceChatID, event.MessageID))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	p.syncer.EnqueueDelete(tracker.ID)
	return nil
}

func (p *Pipeline) writeLog(ctx context.Context, event platform.Event, m *models.Mapping, log *models.ForwardingLog, started time.Time) error {
	log.ID = models.NewID()
	log.MappingID = m.ID
	log.SourceID = m.SourceID
	log.DestinationID = m.DestinationID
	log.MessageType = event.MessageType
	log.OriginalText = event.Text
	log.ProcessingMS = time.Since(started).Milliseconds()
	log.CreatedAt = time.Now()
	return store.WithRetry(ctx, p.backend, func(tx store.Tx) error {
		return store.ForwardingLogs.Insert(tx, log)
	})
}
