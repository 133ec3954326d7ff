package services

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/store"
)

// SessionService manages platform session records. Placement itself lives
// in the scheduler; the service handles the row lifecycle around it.
type SessionService struct {
	backend store.Backend
	sched   *scheduler.Scheduler
	quotas  *quota.Manager
}

// NewSessionService creates a new SessionService.
func NewSessionService(backend store.Backend, sched *scheduler.Scheduler, quotas *quota.Manager) *SessionService {
	return &SessionService{backend: backend, sched: sched, quotas: quotas}
}

// Create registers a session in the idle state. Placement is a separate
// step (Assign), so a user can stage sessions without holding plan slots.
func (s *SessionService) Create(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error) {
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.SessionName == "" {
		return nil, NewValidationError("session_name", "required")
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:          models.NewID(),
		UserID:      req.UserID,
		SessionName: req.SessionName,
		Phone:       req.Phone,
		AuthBlob:    req.AuthBlob,
		Status:      models.SessionStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		if _, err := store.Users.Get(tx, req.UserID); err != nil {
			return err
		}
		return store.Sessions.Insert(tx, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns one session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess *models.Session
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		sess, err = store.Sessions.Get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns sessions matching the filters. The narrowest populated
// filter picks the index; the rest narrow in memory.
func (s *SessionService) List(ctx context.Context, f models.SessionFilters) ([]*models.Session, error) {
	var sessions []*models.Session
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var (
			rows []*models.Session
			err  error
		)
		switch {
		case f.UserID != "":
			rows, err = store.Sessions.ByIndex(tx, store.IndexByUser, f.UserID)
		case f.WorkerID != "":
			rows, err = store.Sessions.ByIndex(tx, store.IndexByWorker, f.WorkerID)
		case f.Status != "":
			rows, err = store.Sessions.ByIndex(tx, store.IndexByStatus, string(f.Status))
		default:
			rows, err = store.Sessions.List(tx)
		}
		if err != nil {
			return err
		}
		sessions = rows[:0]
		for _, sess := range rows {
			if f.UserID != "" && sess.UserID != f.UserID {
				continue
			}
			if f.WorkerID != "" && sess.WorkerID != f.WorkerID {
				continue
			}
			if f.Status != "" && sess.Status != f.Status {
				continue
			}
			sessions = append(sessions, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Assign requests placement for the session through the scheduler: either a
// worker binding or a queue admission.
func (s *SessionService) Assign(ctx context.Context, id string) (*scheduler.Result, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.sched.Assign(ctx, sess.ID, sess.UserID)
}

// Reassign forces the session onto a named worker. worker accepts either
// the storage id or the human label.
func (s *SessionService) Reassign(ctx context.Context, id, worker string) (*scheduler.Result, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	workerID, err := s.resolveWorker(ctx, worker)
	if err != nil {
		return nil, err
	}
	return s.sched.AssignTo(ctx, sess.ID, sess.UserID, workerID)
}

// UpdateStatus drives owner-requested transitions: paused, active (resume
// of a paused session) and stopped. Idle sessions go active through Assign,
// not here.
func (s *SessionService) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error) {
	if !status.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.SessionStatusPaused:
		err = s.sched.Pause(ctx, id)
	case models.SessionStatusActive:
		if sess.Status != models.SessionStatusPaused {
			return nil, NewValidationError("status",
				fmt.Sprintf("cannot activate a %s session; use assign", sess.Status))
		}
		err = s.sched.Resume(ctx, id)
	case models.SessionStatusStopped:
		err = s.stop(ctx, id)
	default:
		return nil, NewValidationError("status",
			fmt.Sprintf("%q is not an owner-requested status", status))
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete stops the session and removes its row.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.stop(ctx, id); err != nil {
		return err
	}
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		return store.Sessions.Delete(tx, id)
	})
}

// stop terminates the placement and settles the plan slot. The scheduler
// releases the reservation for live and queued sessions; a crashed session
// kept its slot, so the release happens here when the owner stops it.
func (s *SessionService) stop(ctx context.Context, id string) error {
	if err := s.sched.Terminate(ctx, id); err != nil {
		return err
	}
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		sess, err := store.Sessions.Get(tx, id)
		if err != nil {
			return err
		}
		if !sess.Status.CountsAgainstQuota() {
			return nil
		}
		if err := s.quotas.ReleaseTx(tx, sess.UserID, quota.KindSession); err != nil {
			return err
		}
		sess.Status = models.SessionStatusStopped
		sess.WorkerID = ""
		sess.UpdatedAt = time.Now().UTC()
		return store.Sessions.Put(tx, sess)
	})
}

func (s *SessionService) resolveWorker(ctx context.Context, worker string) (string, error) {
	if worker == "" {
		return "", NewValidationError("worker", "required")
	}
	var id string
	err := s.backend.View(ctx, func(tx store.Tx) error {
		w, err := store.Workers.Get(tx, worker)
		if store.IsNotFound(err) {
			w, err = store.Workers.GetUnique(tx, store.IndexByLabel, worker)
		}
		if err != nil {
			return err
		}
		id = w.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
