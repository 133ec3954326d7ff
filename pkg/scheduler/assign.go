package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/store"
)

// Result is the outcome of an assignment request: either a placement on a
// worker or a queue admission with the advertised position.
type Result struct {
	Assigned       bool   `json:"assigned"`
	WorkerID       string `json:"worker_id,omitempty"`
	WorkerLabel    string `json:"worker_label,omitempty"`
	Position       int    `json:"position,omitempty"`
	EstWaitSeconds int    `json:"est_wait_s,omitempty"`
}

// Assign places one session. Inside a single transaction it rejects
// duplicates, reserves the plan slot, and either binds the session to the
// worker the placement rule picks or admits it to the queue. The quota
// reservation rides the transaction: a queued session holds its slot until
// it is promoted, terminated or expired.
func (s *Scheduler) Assign(ctx context.Context, sessionID, userID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.assignLocked(ctx, sessionID, userID, models.AssignmentTypeAutomatic, "")
	if err != nil {
		return nil, err
	}
	s.checkScaling(ctx)
	return res, nil
}

// AssignTo forces a session onto a named worker (admin reassignment).
// The target must have capacity; the premium bias does not apply.
func (s *Scheduler) AssignTo(ctx context.Context, sessionID, userID, workerID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.assignLocked(ctx, sessionID, userID, models.AssignmentTypeManual, workerID)
	if err != nil {
		return nil, err
	}
	s.checkScaling(ctx)
	return res, nil
}

func (s *Scheduler) assignLocked(ctx context.Context, sessionID, userID string, typ models.AssignmentType, forcedWorkerID string) (*Result, error) {
	var (
		result   Result
		assigned *models.Assignment
	)
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		result = Result{}
		assigned = nil

		session, err := store.Sessions.Get(tx, sessionID)
		if err != nil {
			return err
		}
		if session.UserID != userID {
			return fmt.Errorf("session %q: %w", sessionID, store.ErrNotFound)
		}

		if _, err := store.Assignments.GetUnique(tx, store.IndexBySession, sessionID); err == nil {
			return ErrAlreadyAssigned
		} else if !store.IsNotFound(err) {
			return err
		}
		queuedItems, err := store.QueueItems.ByIndex(tx, store.IndexBySession, sessionID)
		if err != nil {
			return err
		}
		for _, qi := range queuedItems {
			if qi.Status == models.QueueStatusQueued {
				return ErrAlreadyQueued
			}
		}

		plan, err := s.quota.ReserveTx(tx, userID, quota.KindSession)
		if err != nil {
			return err
		}

		var worker *models.Worker
		if forcedWorkerID != "" {
			w, err := store.Workers.Get(tx, forcedWorkerID)
			if err != nil {
				return err
			}
			if !w.HasCapacity() {
				return ErrWorkerUnavailable
			}
			worker = w
		} else {
			candidates, err := s.candidatesTx(tx)
			if err != nil {
				return err
			}
			worker = pickWorker(candidates, plan.Tier.IsPremium(), s.config.FreeHeadroomSlots)
		}

		if worker == nil {
			item, err := s.enqueueTx(tx, session, plan.Priority)
			if err != nil {
				return err
			}
			result = Result{Position: item.Position, EstWaitSeconds: item.EstWaitSeconds}
			return nil
		}

		a, err := s.placeTx(tx, session, worker, typ, plan.Priority)
		if err != nil {
			return err
		}
		assigned = a
		result = Result{Assigned: true, WorkerID: worker.ID, WorkerLabel: worker.Label}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if assigned != nil {
		slog.Info("Session assigned",
			"session_id", sessionID, "worker_id", result.WorkerID, "type", typ)
		s.notifier.NotifySessionAssigned(sessionID, userID, result.WorkerID)
	} else {
		slog.Info("Session queued",
			"session_id", sessionID, "position", result.Position, "est_wait_s", result.EstWaitSeconds)
		s.notifier.NotifySessionQueued(sessionID, userID, result.Position, result.EstWaitSeconds)
	}
	return &result, nil
}

// candidatesTx returns the placeable workers with freshly recomputed load
// scores, sorted ascending. Scores are recomputed from the stored metrics
// right before ranking so a worker that just filled cannot keep attracting
// placements on a stale score.
func (s *Scheduler) candidatesTx(tx store.Tx) ([]*models.Worker, error) {
	online, err := store.Workers.ByIndex(tx, store.IndexByStatus, string(models.WorkerStatusOnline))
	if err != nil {
		return nil, err
	}
	var candidates []*models.Worker
	for _, w := range online {
		if !w.HasCapacity() {
			continue
		}
		w.LoadScore = registry.LoadScore(w)
		candidates = append(candidates, w)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].LoadScore != candidates[j].LoadScore {
			return candidates[i].LoadScore < candidates[j].LoadScore
		}
		return candidates[i].AvailableSlots() > candidates[j].AvailableSlots()
	})
	return candidates, nil
}

// pickWorker applies the placement rule over load-sorted candidates.
// Premium users take the least-loaded worker outright. Free users prefer
// the least-loaded worker that still has more than headroom slots open,
// keeping near-saturated workers in reserve for premium arrivals; when
// every candidate is tight they fall back to the head.
func pickWorker(candidates []*models.Worker, premium bool, headroom int) *models.Worker {
	if len(candidates) == 0 {
		return nil
	}
	if premium {
		return candidates[0]
	}
	for _, w := range candidates {
		if w.AvailableSlots() > headroom {
			return w
		}
	}
	return candidates[0]
}

// placeTx binds the session to the worker: assignment row, session
// worker_id, worker slot count, and the start command the worker will
// receive. All in the caller's transaction.
func (s *Scheduler) placeTx(tx store.Tx, session *models.Session, worker *models.Worker, typ models.AssignmentType, priority int) (*models.Assignment, error) {
	now := time.Now().UTC()

	a := &models.Assignment{
		ID:         models.NewID(),
		SessionID:  session.ID,
		WorkerID:   worker.ID,
		UserID:     session.UserID,
		Type:       typ,
		Status:     models.AssignmentStatusAssigned,
		Priority:   priority,
		AssignedAt: now,
	}
	if err := store.Assignments.Insert(tx, a); err != nil {
		return nil, err
	}

	session.WorkerID = worker.ID
	session.Status = models.SessionStatusActive
	session.UpdatedAt = now
	if err := store.Sessions.Put(tx, session); err != nil {
		return nil, err
	}

	worker.ActiveSessions++
	worker.LoadScore = registry.LoadScore(worker)
	worker.UpdatedAt = now
	if err := store.Workers.Put(tx, worker); err != nil {
		return nil, err
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
		return nil, err
	}
	return a, nil
}
