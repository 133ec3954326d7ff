package services

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/store"
)

// SystemStatus is the fleet-wide aggregate the dashboard renders.
type SystemStatus struct {
	TotalWorkers    int     `json:"total_workers"`
	OnlineWorkers   int     `json:"online_workers"`
	DrainingWorkers int     `json:"draining_workers"`
	OfflineWorkers  int     `json:"offline_workers"`
	TotalSlots      int     `json:"total_slots"`
	UsedSlots       int     `json:"used_slots"`
	TotalRAMMB      int64   `json:"total_ram_mb"`
	UsedRAMMB       int64   `json:"used_ram_mb"`
	UtilisationPct  float64 `json:"utilisation_pct"`
	ActiveSessions  int     `json:"active_sessions"`
	QueueDepth      int     `json:"queue_depth"`
}

// WorkerService exposes the fleet to the admin surface. Registration and
// heartbeats pass through to the registry so liveness bookkeeping stays in
// one place.
type WorkerService struct {
	backend store.Backend
	reg     *registry.Registry
}

// NewWorkerService creates a new WorkerService.
func NewWorkerService(backend store.Backend, reg *registry.Registry) *WorkerService {
	return &WorkerService{backend: backend, reg: reg}
}

// Register adds or re-registers a fleet node.
func (s *WorkerService) Register(ctx context.Context, req *models.RegisterWorkerRequest) (*models.Worker, error) {
	return s.reg.Register(ctx, req)
}

// UpdateMetrics records a heartbeat sample for a worker.
func (s *WorkerService) UpdateMetrics(ctx context.Context, hb *models.Heartbeat) (*models.Worker, error) {
	return s.reg.Heartbeat(ctx, hb)
}

// SetDraining toggles a worker in or out of the draining state. Entering
// drain migrates its sessions; that side effect lives in the registry hook.
func (s *WorkerService) SetDraining(ctx context.Context, worker string, draining bool) (*models.Worker, error) {
	id, err := s.resolve(ctx, worker)
	if err != nil {
		return nil, err
	}
	return s.reg.SetDraining(ctx, id, draining)
}

// Get returns one worker by storage id or label.
func (s *WorkerService) Get(ctx context.Context, worker string) (*models.Worker, error) {
	var w *models.Worker
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		w, err = s.lookup(tx, worker)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// List returns the whole fleet.
func (s *WorkerService) List(ctx context.Context) ([]*models.Worker, error) {
	var workers []*models.Worker
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		workers, err = store.Workers.List(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// Available returns the workers that can accept a placement right now.
func (s *WorkerService) Available(ctx context.Context) ([]*models.Worker, error) {
	workers, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := workers[:0]
	for _, w := range workers {
		if w.HasCapacity() {
			out = append(out, w)
		}
	}
	return out, nil
}

// SystemStatus aggregates fleet capacity, session load and queue depth.
func (s *WorkerService) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	status := &SystemStatus{}
	err := s.backend.View(ctx, func(tx store.Tx) error {
		workers, err := store.Workers.List(tx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			status.TotalWorkers++
			switch w.Status {
			case models.WorkerStatusOnline:
				status.OnlineWorkers++
				status.TotalSlots += w.MaxSessions
				status.TotalRAMMB += w.TotalRAMMB
			case models.WorkerStatusDraining:
				status.DrainingWorkers++
			default:
				status.OfflineWorkers++
			}
			if w.Status != models.WorkerStatusOffline {
				status.UsedSlots += w.ActiveSessions
				status.UsedRAMMB += w.UsedRAMMB
			}
		}

		active, err := store.Sessions.ByIndex(tx, store.IndexByStatus, string(models.SessionStatusActive))
		if err != nil {
			return err
		}
		status.ActiveSessions = len(active)

		queued, err := store.QueueItems.ByIndex(tx, store.IndexByStatus, string(models.QueueStatusQueued))
		if err != nil {
			return err
		}
		status.QueueDepth = len(queued)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status.TotalRAMMB > 0 {
		status.UtilisationPct = float64(status.UsedRAMMB) / float64(status.TotalRAMMB) * 100
	}
	return status, nil
}

// PollControls hands the worker its pending control records, marking them
// delivered. Records stay until the worker acks them, so a push and a poll
// cannot double-deliver.
func (s *WorkerService) PollControls(ctx context.Context, workerID string) ([]*models.WorkerControl, error) {
	var out []*models.WorkerControl
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		out = out[:0]
		rows, err := store.WorkerControls.ByIndex(tx, store.IndexByWorkerStatus,
			store.WorkerStatusKey(workerID, models.ControlStatusPending))
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, c := range rows {
			c.Status = models.ControlStatusDelivered
			c.DeliveredAt = &now
			if err := store.WorkerControls.Put(tx, c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AckControl marks a control record acknowledged by its worker.
func (s *WorkerService) AckControl(ctx context.Context, workerID, controlID string) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		_, err := store.WorkerControls.Update(tx, controlID, func(c *models.WorkerControl) error {
			if c.WorkerID != workerID {
				return fmt.Errorf("control %s: %w", controlID, store.ErrNotFound)
			}
			c.Status = models.ControlStatusAcked
			return nil
		})
		return err
	})
}

func (s *WorkerService) resolve(ctx context.Context, worker string) (string, error) {
	w, err := s.Get(ctx, worker)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

func (s *WorkerService) lookup(tx store.Tx, worker string) (*models.Worker, error) {
	if worker == "" {
		return nil, NewValidationError("worker", "required")
	}
	w, err := store.Workers.Get(tx, worker)
	if store.IsNotFound(err) {
		return store.Workers.GetUnique(tx, store.IndexByLabel, worker)
	}
	return w, err
}
