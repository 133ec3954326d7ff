package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// MigrateWorker moves every live assignment off a lost or draining worker.
// Each assignment either lands on a new worker or re-enters the queue one
// priority band up. Message-tracker rows are untouched either way, so the
// new worker resumes with the same dedup state.
func (s *Scheduler) MigrateWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assignmentIDs []string
	err := s.backend.View(ctx, func(tx store.Tx) error {
		assignmentIDs = assignmentIDs[:0]
		live, err := store.Assignments.ByIndex(tx, store.IndexByWorker, workerID)
		if err != nil {
			return err
		}
		for _, a := range live {
			assignmentIDs = append(assignmentIDs, a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(assignmentIDs) > 0 {
		slog.Warn("Migrating assignments off worker",
			"worker_id", workerID, "count", len(assignmentIDs))

		for _, id := range assignmentIDs {
			if err := s.migrateAssignment(ctx, id); err != nil {
				slog.Error("Assignment migration failed",
					"assignment_id", id, "worker_id", workerID, "error", err)
			}
		}
	}

	// Losing a worker changes utilisation even when it held no sessions.
	s.checkScaling(ctx)
	return nil
}

// migrateAssignment relocates one assignment. The whole move is one
// transaction: mark migrating, run the placement rule over the remaining
// fleet, and either rewrite the binding or re-enqueue with a priority
// bump so migrated sessions jump the line one band.
func (s *Scheduler) migrateAssignment(ctx context.Context, assignmentID string) error {
	var (
		sessionID, fromWorker, toWorker string
		requeued                        *models.QueueItem
	)
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		sessionID, fromWorker, toWorker = "", "", ""
		requeued = nil

		a, err := store.Assignments.Get(tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Status.IsLive() {
			return nil
		}
		now := time.Now().UTC()
		sessionID = a.SessionID
		fromWorker = a.WorkerID

		a.Status = models.AssignmentStatusMigrating
		a.LastMigration = &now
		if err := store.Assignments.Put(tx, a); err != nil {
			return err
		}

		session, err := store.Sessions.Get(tx, a.SessionID)
		if err != nil {
			return err
		}
		plan, err := store.Plans.Get(tx, a.UserID)
		if err != nil {
			return err
		}

		// The old worker gives the slot back regardless of the outcome.
		_, err = store.Workers.Update(tx, fromWorker, func(w *models.Worker) error {
			if w.ActiveSessions > 0 {
				w.ActiveSessions--
			}
			w.UpdatedAt = now
			return nil
		})
		if err != nil && !store.IsNotFound(err) {
			return err
		}

		candidates, err := s.candidatesTx(tx)
		if err != nil {
			return err
		}
		// The source worker may still read as online while draining
		// bookkeeping settles; never migrate back onto it.
		filtered := candidates[:0]
		for _, w := range candidates {
			if w.ID != fromWorker {
				filtered = append(filtered, w)
			}
		}
		worker := pickWorker(filtered, plan.Tier.IsPremium(), s.config.FreeHeadroomSlots)

		if worker == nil {
			// No home: terminate the binding and queue one band up. The
			// plan reservation stays with the queued request.
			a.Status = models.AssignmentStatusTerminated
			if err := store.Assignments.Put(tx, a); err != nil {
				return err
			}
			session.WorkerID = ""
			session.Status = models.SessionStatusIdle
			session.UpdatedAt = now
			if err := store.Sessions.Put(tx, session); err != nil {
				return err
			}

			priority := plan.Priority + 1
			if priority > 5 {
				priority = 5
			}
			item, err := s.enqueueTx(tx, session, priority)
			if err != nil {
				return err
			}
			requeued = item
			return nil
		}

		a.WorkerID = worker.ID
		a.Status = models.AssignmentStatusAssigned
		a.Type = models.AssignmentTypeMigration
		if err := store.Assignments.Put(tx, a); err != nil {
			return err
		}

		session.WorkerID = worker.ID
		session.Status = models.SessionStatusActive
		session.UpdatedAt = now
		if err := store.Sessions.Put(tx, session); err != nil {
			return err
		}

		worker.ActiveSessions++
		worker.UpdatedAt = now
		if err := store.Workers.Put(tx, worker); err != nil {
			return err
		}

		control := &models.WorkerControl{
			ID:        models.NewID(),
			WorkerID:  worker.ID,
			SessionID: session.ID,
			Action:    models.ControlActionStartSession,
			Status:    models.ControlStatusPending,
			CreatedAt: now,
		}
		if err := store.WorkerControls.Insert(tx, control); err != nil {
			return err
		}
		toWorker = worker.ID
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case toWorker != "":
		slog.Info("Session migrated",
			"session_id", sessionID, "from_worker", fromWorker, "to_worker", toWorker)
		s.notifier.NotifySessionMigrated(sessionID, fromWorker, toWorker)
	case requeued != nil:
		slog.Warn("No capacity for migration, session re-queued",
			"session_id", sessionID, "position", requeued.Position, "priority", requeued.Priority)
		s.notifier.NotifySessionQueued(sessionID, requeued.UserID, requeued.Position, requeued.EstWaitSeconds)
	}
	return nil
}
