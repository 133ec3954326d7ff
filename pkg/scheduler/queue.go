package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/store"
)

// enqueueTx admits a session to the placement queue at its plan priority
// and renumbers positions. Caller's transaction.
func (s *Scheduler) enqueueTx(tx store.Tx, session *models.Session, priority int) (*models.QueueItem, error) {
	item := &models.QueueItem{
		ID:        models.NewID(),
		UserID:    session.UserID,
		SessionID: session.ID,
		Priority:  priority,
		Status:    models.QueueStatusQueued,
		QueuedAt:  time.Now().UTC(),
	}
	if err := store.QueueItems.Insert(tx, item); err != nil {
		return nil, err
	}
	ranked, err := s.renumberTx(tx)
	if err != nil {
		return nil, err
	}
	for _, r := range ranked {
		if r.ID == item.ID {
			return r, nil
		}
	}
	return item, nil
}

// renumberTx rewrites queue positions as a dense 1-based ranking ordered
// by (priority desc, queued_at asc) and refreshes the wait estimates.
// Returns the ranked items.
func (s *Scheduler) renumberTx(tx store.Tx) ([]*models.QueueItem, error) {
	items, err := store.QueueItems.ByIndex(tx, store.IndexByStatus, string(models.QueueStatusQueued))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})

	estStep := int(s.config.EstWaitPerPosition / time.Second)
	for i, item := range items {
		position := i + 1
		estWait := position * estStep
		if item.Position == position && item.EstWaitSeconds == estWait {
			continue
		}
		item.Position = position
		item.EstWaitSeconds = estWait
		if err := store.QueueItems.Put(tx, item); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// DrainQueue walks the queue in priority order and promotes every item a
// worker can take, stopping at the first one nothing can hold. Runs after
// terminations, worker arrivals, released capacity and admin-forced scans.
func (s *Scheduler) DrainQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainQueueLocked(ctx)
}

func (s *Scheduler) drainQueueLocked(ctx context.Context) error {
	type promotion struct {
		sessionID string
		userID    string
		workerID  string
	}
	var promoted []promotion

	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		promoted = promoted[:0]

		ranked, err := s.renumberTx(tx)
		if err != nil {
			return err
		}
		if len(ranked) == 0 {
			return nil
		}

		for _, item := range ranked {
			candidates, err := s.candidatesTx(tx)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				break
			}

			plan, err := store.Plans.Get(tx, item.UserID)
			if err != nil {
				return err
			}
			worker := pickWorker(candidates, plan.Tier.IsPremium(), s.config.FreeHeadroomSlots)
			if worker == nil {
				break
			}

			session, err := store.Sessions.Get(tx, item.SessionID)
			if err != nil {
				return err
			}
			if _, err := s.placeTx(tx, session, worker, models.AssignmentTypeAutomatic, item.Priority); err != nil {
				return err
			}

			now := time.Now().UTC()
			item.Status = models.QueueStatusPromoted
			item.PromotedAt = &now
			if err := store.QueueItems.Put(tx, item); err != nil {
				return err
			}
			promoted = append(promoted, promotion{
				sessionID: item.SessionID, userID: item.UserID, workerID: worker.ID,
			})
		}

		if len(promoted) > 0 {
			if _, err := s.renumberTx(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range promoted {
		slog.Info("Queued session promoted",
			"session_id", p.sessionID, "worker_id", p.workerID)
		s.notifier.NotifyQueuePromoted(p.sessionID, p.userID, p.workerID)
	}
	// A drain that moved nothing still means demand outran the fleet;
	// the scaling check must see that state too.
	s.checkScaling(ctx)
	return nil
}

// ExpireQueue transitions items older than the queue age limit to expired
// and returns their plan reservation. The session stays idle and may be
// re-submitted by its owner.
func (s *Scheduler) ExpireQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.config.QueueMaxAge)
	expired := 0

	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		expired = 0
		items, err := store.QueueItems.ByIndex(tx, store.IndexByStatus, string(models.QueueStatusQueued))
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.QueuedAt.After(cutoff) {
				continue
			}
			item.Status = models.QueueStatusExpired
			if err := store.QueueItems.Put(tx, item); err != nil {
				return err
			}
			if err := s.quota.ReleaseTx(tx, item.UserID, quota.KindSession); err != nil {
				return err
			}
			slog.Warn("Queued placement expired",
				"session_id", item.SessionID, "queued_at", item.QueuedAt.Format(time.RFC3339))
			expired++
		}
		if expired > 0 {
			if _, err := s.renumberTx(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired > 0 {
		slog.Info("Expired queue items", "count", expired)
	}
	return nil
}

// dropQueuedTx removes a session's queued item without placing it,
// releasing the reservation. Used when the session is deleted while
// waiting.
func (s *Scheduler) dropQueuedTx(tx store.Tx, sessionID string) (bool, error) {
	items, err := store.QueueItems.ByIndex(tx, store.IndexBySession, sessionID)
	if err != nil {
		return false, err
	}
	dropped := false
	for _, item := range items {
		if item.Status != models.QueueStatusQueued {
			continue
		}
		item.Status = models.QueueStatusExpired
		if err := store.QueueItems.Put(tx, item); err != nil {
			return false, err
		}
		if err := s.quota.ReleaseTx(tx, item.UserID, quota.KindSession); err != nil {
			return false, err
		}
		dropped = true
	}
	if dropped {
		if _, err := s.renumberTx(tx); err != nil {
			return false, err
		}
	}
	return dropped, nil
}
