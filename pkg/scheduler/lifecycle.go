package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/store"
)

// Activate confirms a placement: the worker acked the start command and
// the session is running. The assignment moves assigned -> active.
func (s *Scheduler) Activate(ctx context.Context, sessionID string) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, sessionID)
		if err != nil {
			if store.IsNotFound(err) {
				return ErrNotAssigned
			}
			return err
		}
		now := time.Now().UTC()
		a.Status = models.AssignmentStatusActive
		if a.ActivatedAt == nil {
			a.ActivatedAt = &now
		}
		a.LastHeartbeat = &now
		return store.Assignments.Put(tx, a)
	})
}

// Pause suspends a running session at the owner's request. The worker
// keeps the platform session open but stops forwarding.
func (s *Scheduler) Pause(ctx context.Context, sessionID string) error {
	return s.setPaused(ctx, sessionID, true)
}

// Resume lifts a pause.
func (s *Scheduler) Resume(ctx context.Context, sessionID string) error {
	return s.setPaused(ctx, sessionID, false)
}

func (s *Scheduler) setPaused(ctx context.Context, sessionID string, paused bool) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, sessionID)
		if err != nil {
			if store.IsNotFound(err) {
				return ErrNotAssigned
			}
			return err
		}
		if paused {
			if a.Status != models.AssignmentStatusActive && a.Status != models.AssignmentStatusAssigned {
				return fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, store.ErrConflict)
			}
			a.Status = models.AssignmentStatusPaused
		} else {
			if a.Status != models.AssignmentStatusPaused {
				return fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, store.ErrConflict)
			}
			a.Status = models.AssignmentStatusActive
		}
		if err := store.Assignments.Put(tx, a); err != nil {
			return err
		}

		status := models.SessionStatusActive
		if paused {
			status = models.SessionStatusPaused
		}
		_, err = store.Sessions.Update(tx, sessionID, func(session *models.Session) error {
			session.Status = status
			session.UpdatedAt = time.Now().UTC()
			return nil
		})
		return err
	})
}

// Terminate ends a session's placement: the assignment goes terminal, the
// worker slot and the plan reservation are returned, and the freed
// capacity is offered to the queue. A session that was still queued is
// dropped from the queue instead. Idempotent for sessions with neither.
func (s *Scheduler) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := false
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		released = false

		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, sessionID)
		if store.IsNotFound(err) {
			// Not placed; a queued request still holds a reservation.
			_, err := s.dropQueuedTx(tx, sessionID)
			return err
		}
		if err != nil {
			return err
		}

		if err := s.releaseAssignmentTx(tx, a, models.SessionStatusStopped, true); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		slog.Info("Session terminated", "session_id", sessionID)
		if err := s.drainQueueLocked(ctx); err != nil {
			slog.Error("Queue drain after termination failed", "error", err)
		}
	}
	return nil
}

// HandleSessionFailure records a worker-reported session failure. Auth
// failures and other permanent errors crash the session; the assignment
// terminates but the plan reservation stays, since a crashed session still
// occupies its slot until the owner stops or deletes it.
func (s *Scheduler) HandleSessionFailure(ctx context.Context, sessionID, kind, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, sessionID)
		if err != nil {
			if store.IsNotFound(err) {
				return ErrNotAssigned
			}
			return err
		}
		return s.releaseAssignmentTx(tx, a, models.SessionStatusCrashed, false)
	})
	if err != nil {
		return err
	}

	slog.Warn("Session failed on worker",
		"session_id", sessionID, "kind", kind, "details", details)
	if err := s.drainQueueLocked(ctx); err != nil {
		slog.Error("Queue drain after session failure failed", "error", err)
	}
	return nil
}

// releaseAssignmentTx terminates an assignment and gives back the worker
// slot. sessionStatus is the session's landing state; releaseQuota returns
// the plan slot as well (terminations do, crashes keep it).
func (s *Scheduler) releaseAssignmentTx(tx store.Tx, a *models.Assignment, sessionStatus models.SessionStatus, releaseQuota bool) error {
	now := time.Now().UTC()

	a.Status = models.AssignmentStatusTerminated
	if err := store.Assignments.Put(tx, a); err != nil {
		return err
	}

	_, err := store.Sessions.Update(tx, a.SessionID, func(session *models.Session) error {
		session.Status = sessionStatus
		if sessionStatus != models.SessionStatusCrashed {
			session.WorkerID = ""
		}
		session.UpdatedAt = now
		return nil
	})
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	_, err = store.Workers.Update(tx, a.WorkerID, func(w *models.Worker) error {
		if w.ActiveSessions > 0 {
			w.ActiveSessions--
		}
		w.UpdatedAt = now
		return nil
	})
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	control := &models.WorkerControl{
		ID:        models.NewID(),
		WorkerID:  a.WorkerID,
		SessionID: a.SessionID,
		Action:    models.ControlActionStopSession,
		Status:    models.ControlStatusPending,
		CreatedAt: now,
	}
	if err := store.WorkerControls.Insert(tx, control); err != nil {
		return err
	}

	if releaseQuota {
		return s.quota.ReleaseTx(tx, a.UserID, quota.KindSession)
	}
	return nil
}
