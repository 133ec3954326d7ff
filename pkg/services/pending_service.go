package services

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// PendingMessageService exposes the approval queue: messages a mapping
// held back for review. Approving hands the row to the dispatch poller;
// actually sending it is not this service's job.
type PendingMessageService struct {
	backend store.Backend
}

// NewPendingMessageService creates a new PendingMessageService.
func NewPendingMessageService(backend store.Backend) *PendingMessageService {
	return &PendingMessageService{backend: backend}
}

// List returns held messages, newest first. userID and status both narrow
// when set.
func (s *PendingMessageService) List(ctx context.Context, userID string, status models.PendingStatus) ([]*models.PendingMessage, error) {
	if status != "" && !status.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	var out []*models.PendingMessage
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var (
			rows []*models.PendingMessage
			err  error
		)
		switch {
		case userID != "":
			rows, err = store.PendingMessages.ByIndex(tx, store.IndexByUser, userID)
		case status != "":
			rows, err = store.PendingMessages.ByIndex(tx, store.IndexByStatus, string(status))
		default:
			rows, err = store.PendingMessages.List(tx)
		}
		if err != nil {
			return err
		}
		out = rows[:0]
		for _, p := range rows {
			if userID != "" && p.UserID != userID {
				continue
			}
			if status != "" && p.Status != status {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first; ids are time-ordered.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Approve releases a held message for dispatch at its scheduled time.
func (s *PendingMessageService) Approve(ctx context.Context, id, by string) (*models.PendingMessage, error) {
	if by == "" {
		return nil, NewValidationError("approved_by", "required")
	}
	return s.decide(ctx, id, models.PendingStatusApproved, by)
}

// Reject drops a held message. The row stays behind as an audit record.
func (s *PendingMessageService) Reject(ctx context.Context, id, by string) (*models.PendingMessage, error) {
	if by == "" {
		return nil, NewValidationError("approved_by", "required")
	}
	return s.decide(ctx, id, models.PendingStatusRejected, by)
}

func (s *PendingMessageService) decide(ctx context.Context, id string, status models.PendingStatus, by string) (*models.PendingMessage, error) {
	var p *models.PendingMessage
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		p, err = store.PendingMessages.Update(tx, id, func(cur *models.PendingMessage) error {
			if cur.Status != models.PendingStatusPending {
				return fmt.Errorf("pending message %s already %s: %w",
					id, cur.Status, store.ErrConflict)
			}
			now := time.Now().UTC()
			cur.Status = status
			cur.ApprovedBy = by
			cur.ApprovedAt = &now
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
