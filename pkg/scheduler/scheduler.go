// Package scheduler places sessions on workers. It owns the placement
// queue, migrates assignments off lost workers, and emits scaling events
// when the fleet runs out of headroom. Entry points serialize on one
// mutex and do all their I/O through store transactions, so they stay
// short and cannot interleave partial placements.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/store"
)

// Config holds the scheduler's tunables.
type Config struct {
	// QueueMaxAge expires placement requests that never found capacity.
	QueueMaxAge time.Duration
	// ScalingCooldown is the minimum interval between overflow events.
	ScalingCooldown time.Duration
	// FreeHeadroomSlots is the free-tier bias: a free user's placement
	// skips workers with this many or fewer open slots when a roomier
	// candidate exists.
	FreeHeadroomSlots int
	// QueueHighWatermark triggers a scaling event when exceeded.
	QueueHighWatermark int
	// UtilisationCeiling triggers a scaling event when fleet RAM
	// utilisation crosses it.
	UtilisationCeiling float64
	// EstWaitPerPosition converts a queue position into the advertised
	// wait estimate.
	EstWaitPerPosition time.Duration
	// SweepInterval is the cadence of the background queue sweep
	// (expiry + drain attempt).
	SweepInterval time.Duration
}

// DefaultConfig returns the stock scheduler tunables.
func DefaultConfig() Config {
	return Config{
		QueueMaxAge:        time.Hour,
		ScalingCooldown:    5 * time.Minute,
		FreeHeadroomSlots:  5,
		QueueHighWatermark: 5,
		UtilisationCeiling: 0.85,
		EstWaitPerPosition: 5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

// Notifier receives scheduler side-effects for the live event stream.
// Implementations must return promptly; calls happen outside transactions.
type Notifier interface {
	NotifySessionAssigned(sessionID, userID, workerID string)
	NotifySessionQueued(sessionID, userID string, position, estWaitSeconds int)
	NotifyQueuePromoted(sessionID, userID, workerID string)
	NotifySessionMigrated(sessionID, fromWorkerID, toWorkerID string)
	NotifyScalingEvent(ev *models.ScalingEvent)
}

type noopNotifier struct{}

func (noopNotifier) NotifySessionAssigned(string, string, string) {}
func (noopNotifier) NotifySessionQueued(string, string, int, int) {}
func (noopNotifier) NotifyQueuePromoted(string, string, string)   {}
func (noopNotifier) NotifySessionMigrated(string, string, string) {}
func (noopNotifier) NotifyScalingEvent(*models.ScalingEvent)      {}

// Scheduler maps admitted sessions to workers.
type Scheduler struct {
	backend  store.Backend
	quota    *quota.Manager
	config   Config
	notifier Notifier

	// mu serializes assign, drain and migrate. These are short and
	// I/O-free apart from store calls.
	mu sync.Mutex

	// lastScaling gates the overflow side-effect; guarded by mu.
	lastScaling time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler. A nil notifier discards side-effects.
func New(backend store.Backend, qm *quota.Manager, cfg Config, notifier Notifier) *Scheduler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Scheduler{
		backend:  backend,
		quota:    qm,
		config:   cfg,
		notifier: notifier,
	}
}

// Start launches the background queue sweep: expiry of stale items plus a
// drain attempt, so capacity freed outside an explicit trigger still gets
// used.
func (s *Scheduler) Start(ctx context.Context) {
	if s.done != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("Scheduler started",
		"queue_max_age", s.config.QueueMaxAge,
		"scaling_cooldown", s.config.ScalingCooldown)
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	if s.done == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.ExpireQueue(ctx); err != nil {
				slog.Error("Queue expiry failed", "error", err)
			}
			if err := s.DrainQueue(ctx); err != nil {
				slog.Error("Queue drain failed", "error", err)
			}
		}
	}
}

// WorkerLost implements the registry hook: migrate everything off the
// worker, then see whether the survivors can absorb queued requests.
func (s *Scheduler) WorkerLost(ctx context.Context, workerID string) {
	if err := s.MigrateWorker(ctx, workerID); err != nil {
		slog.Error("Worker migration failed", "worker_id", workerID, "error", err)
	}
}

// CapacityFreed implements the registry hook: a worker came online, so
// drain the queue.
func (s *Scheduler) CapacityFreed(ctx context.Context) {
	if err := s.DrainQueue(ctx); err != nil {
		slog.Error("Queue drain failed", "error", err)
	}
}

// checkScaling inspects queue depth and fleet utilisation and, when a
// threshold is crossed and the cooldown elapsed, records a scaling event
// and fires the notification. Caller holds mu.
func (s *Scheduler) checkScaling(ctx context.Context) {
	if time.Since(s.lastScaling) < s.config.ScalingCooldown {
		return
	}

	var (
		queued            int
		usedRAM, totalRAM int64
	)
	err := s.backend.View(ctx, func(tx store.Tx) error {
		items, err := store.QueueItems.ByIndex(tx, store.IndexByStatus, string(models.QueueStatusQueued))
		if err != nil {
			return err
		}
		queued = len(items)
		online, err := store.Workers.ByIndex(tx, store.IndexByStatus, string(models.WorkerStatusOnline))
		if err != nil {
			return err
		}
		for _, w := range online {
			usedRAM += w.UsedRAMMB
			totalRAM += w.TotalRAMMB
		}
		return nil
	})
	if err != nil {
		slog.Error("Scaling check failed", "error", err)
		return
	}

	utilisation := 0.0
	if totalRAM > 0 {
		utilisation = float64(usedRAM) / float64(totalRAM)
	}

	var trigger models.ScalingTrigger
	switch {
	case queued > s.config.QueueHighWatermark:
		trigger = models.ScalingTriggerHighQueue
	case utilisation > s.config.UtilisationCeiling:
		trigger = models.ScalingTriggerHighLoad
	default:
		return
	}

	ev := &models.ScalingEvent{
		ID:          models.NewID(),
		Type:        models.ScalingEventOverflow,
		Trigger:     trigger,
		QueueDepth:  queued,
		Utilisation: utilisation,
		Notified:    true,
		CreatedAt:   time.Now().UTC(),
	}
	err = store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		return store.ScalingEvents.Insert(tx, ev)
	})
	if err != nil {
		slog.Error("Failed to record scaling event", "error", err)
		return
	}

	s.lastScaling = time.Now()
	slog.Warn("Fleet overflow detected",
		"trigger", trigger, "queued", queued, "utilisation", utilisation)
	s.notifier.NotifyScalingEvent(ev)
}
