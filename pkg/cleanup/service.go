// Package cleanup enforces the data retention windows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/relayd/pkg/config"
	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// Service periodically prunes rows past their retention windows:
// forwarding logs, heartbeat analytics, settled queue items, orphaned
// trackers, acknowledged worker controls, and stale scaling events.
//
// All sweeps are idempotent and safe to run from every node.
type Service struct {
	config  *config.RetentionConfig
	backend store.Backend

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, backend store.Backend) *Service {
	return &Service{config: cfg, backend: backend}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", time.Duration(s.config.Interval),
		"forwarding_logs", time.Duration(s.config.ForwardingLogs),
		"worker_analytics", time.Duration(s.config.WorkerAnalytics))
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(time.Duration(s.config.Interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes every sweep once.
func (s *Service) RunAll(ctx context.Context) {
	now := time.Now().UTC()
	sweeps := []struct {
		name string
		fn   func(context.Context, time.Time) (int, error)
	}{
		{"forwarding_logs", s.sweepForwardingLogs},
		{"worker_analytics", s.sweepWorkerAnalytics},
		{"queue_history", s.sweepQueueHistory},
		{"orphaned_trackers", s.sweepOrphanedTrackers},
		{"worker_controls", s.sweepControls},
		{"scaling_events", s.sweepScalingEvents},
	}
	for _, sweep := range sweeps {
		count, err := sweep.fn(ctx, now)
		if err != nil {
			slog.Error("Retention sweep failed", "sweep", sweep.name, "error", err)
			continue
		}
		if count > 0 {
			slog.Info("Retention sweep pruned rows", "sweep", sweep.name, "count", count)
		}
	}
}

// sweepForwardingLogs deletes outcome rows older than the retention window.
// Ids are time-ordered, so the forward scan stops at the window edge.
func (s *Service) sweepForwardingLogs(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.ForwardingLogs))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.ForwardingLogs.All(tx, func(l *models.ForwardingLog) error {
			if !l.CreatedAt.Before(cutoff) {
				return store.ErrStop
			}
			*stale = append(*stale, l.ID)
			return nil
		})
	}, store.ForwardingLogs.Delete)
}

func (s *Service) sweepWorkerAnalytics(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.WorkerAnalytics))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.WorkerAnalytics.All(tx, func(a *models.WorkerAnalytics) error {
			if !a.SampledAt.Before(cutoff) {
				return store.ErrStop
			}
			*stale = append(*stale, a.ID)
			return nil
		})
	}, store.WorkerAnalytics.Delete)
}

// sweepQueueHistory removes settled queue items. Live queued entries are
// never touched.
func (s *Service) sweepQueueHistory(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.QueueHistory))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.QueueItems.All(tx, func(qi *models.QueueItem) error {
			if qi.Status == models.QueueStatusQueued {
				return nil
			}
			settled := qi.QueuedAt
			if qi.PromotedAt != nil {
				settled = *qi.PromotedAt
			}
			if settled.Before(cutoff) {
				*stale = append(*stale, qi.ID)
			}
			return nil
		})
	}, store.QueueItems.Delete)
}

// sweepOrphanedTrackers deletes dedup rows the syncer gave up on, once
// they outlive the grace window.
func (s *Service) sweepOrphanedTrackers(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.OrphanedTrackers))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.Trackers.All(tx, func(tr *models.MessageTracker) error {
			if tr.Orphaned && tr.LastSynced.Before(cutoff) {
				*stale = append(*stale, tr.ID)
			}
			return nil
		})
	}, store.Trackers.Delete)
}

// sweepControls prunes delivered and acknowledged control rows. Pending
// controls stay until a worker picks them up.
func (s *Service) sweepControls(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.DeliveredControls))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.WorkerControls.All(tx, func(c *models.WorkerControl) error {
			if c.Status == models.ControlStatusPending {
				return nil
			}
			settled := c.CreatedAt
			if c.DeliveredAt != nil {
				settled = *c.DeliveredAt
			}
			if settled.Before(cutoff) {
				*stale = append(*stale, c.ID)
			}
			return nil
		})
	}, store.WorkerControls.Delete)
}

func (s *Service) sweepScalingEvents(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.config.ScalingEvents))
	return s.prune(ctx, func(tx store.Tx, stale *[]string) error {
		return store.ScalingEvents.All(tx, func(ev *models.ScalingEvent) error {
			if !ev.CreatedAt.Before(cutoff) {
				return store.ErrStop
			}
			*stale = append(*stale, ev.ID)
			return nil
		})
	}, store.ScalingEvents.Delete)
}

// prune collects stale ids with collect, then deletes them in the same
// transaction. Collect-then-delete keeps the scan cursor stable.
func (s *Service) prune(ctx context.Context, collect func(store.Tx, *[]string) error, del func(store.Tx, string) error) (int, error) {
	var pruned int
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var stale []string
		if err := collect(tx, &stale); err != nil {
			return err
		}
		for _, id := range stale {
			if err := del(tx, id); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
