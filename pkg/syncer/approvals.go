package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/pipeline"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/store"
)

// PollPending advances held messages through their lifecycle: stale
// pending rows expire, auto-approval deadlines fire, and approved rows
// whose delay elapsed are dispatched. Called by the poll loop; exported so
// an approval decision can trigger an immediate pass.
func (s *Syncer) PollPending(ctx context.Context) error {
	now := time.Now()

	var due []*models.PendingMessage
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		due = due[:0]

		pending, err := store.PendingMessages.ByIndex(tx, store.IndexByStatus,
			string(models.PendingStatusPending))
		if err != nil {
			return err
		}
		for _, p := range pending {
			switch {
			case p.ExpiresAt != nil && !p.ExpiresAt.After(now):
				if _, err := store.PendingMessages.Update(tx, p.ID, func(row *models.PendingMessage) error {
					row.Status = models.PendingStatusApproved
					row.ApprovedBy = models.ApprovedByAuto
					row.ApprovedAt = &now
					return nil
				}); err != nil {
					return err
				}
			case now.Sub(p.CreatedAt) > s.config.ApprovalMaxAge:
				if _, err := store.PendingMessages.Update(tx, p.ID, func(row *models.PendingMessage) error {
					row.Status = models.PendingStatusExpired
					return nil
				}); err != nil {
					return err
				}
			}
		}

		approved, err := store.PendingMessages.ByIndex(tx, store.IndexByStatus,
			string(models.PendingStatusApproved))
		if err != nil {
			return err
		}
		for _, p := range approved {
			if p.ScheduledFor.After(now) {
				continue
			}
			row, err := store.PendingMessages.Update(tx, p.ID, func(row *models.PendingMessage) error {
				row.Status = models.PendingStatusScheduled
				return nil
			})
			if err != nil {
				return err
			}
			due = append(due, row)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range due {
		s.dispatchScheduled(ctx, p)
	}
	return nil
}

// dispatchScheduled settles one scheduled row. Only a clean dispatch may
// mark it sent: retryable outcomes (no active session, throttling, a
// transient send failure, a store hiccup) put the row back to approved for
// the next poll — the tracker claim keeps a retried dispatch deduplicated —
// while a permanent send failure parks it as failed.
func (s *Syncer) dispatchScheduled(ctx context.Context, p *models.PendingMessage) {
	err := s.pipe.DispatchApproved(ctx, p)

	var settled models.PendingStatus
	switch {
	case err == nil:
		settled = models.PendingStatusSent

	case errors.Is(err, store.ErrNotFound):
		// The mapping or its chats were deleted while the row waited.
		settled = models.PendingStatusExpired

	case platform.IsPermanent(err):
		slog.Error("Approved-message dispatch failed permanently",
			"pending_id", p.ID, "mapping_id", p.MappingID, "error", err)
		settled = models.PendingStatusFailed

	case quota.IsQuotaExceeded(err):
		// The plan's message budget is spent; polling again every few
		// seconds until the period rolls over helps nobody.
		slog.Warn("Approved message dropped, quota exhausted",
			"pending_id", p.ID, "user_id", p.UserID)
		settled = models.PendingStatusFailed

	default:
		// ErrNoActiveSession, throttling, transient exhaustion and
		// unexpected errors all get another shot on the next poll.
		if !errors.Is(err, pipeline.ErrNoActiveSession) {
			slog.Warn("Approved-message dispatch deferred",
				"pending_id", p.ID, "mapping_id", p.MappingID, "error", err)
		}
		settled = models.PendingStatusApproved
	}

	if serr := s.setPendingStatus(ctx, p.ID, settled); serr != nil {
		slog.Error("Failed to settle scheduled message",
			"pending_id", p.ID, "status", settled, "error", serr)
	}
}

func (s *Syncer) setPendingStatus(ctx context.Context, id string, status models.PendingStatus) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		_, err := store.PendingMessages.Update(tx, id, func(row *models.PendingMessage) error {
			row.Status = status
			return nil
		})
		return err
	})
}
