// Package registry tracks the worker fleet: registration, heartbeats,
// liveness and the load score placements are ranked by.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// Hook receives fleet transitions the scheduler must react to. The
// registry calls it outside of store transactions.
type Hook interface {
	// WorkerLost fires when a worker goes offline or starts draining;
	// the scheduler migrates its assignments.
	WorkerLost(ctx context.Context, workerID string)
	// CapacityFreed fires when a worker comes (back) online; the
	// scheduler drains the placement queue.
	CapacityFreed(ctx context.Context)
}

type noopHook struct{}

func (noopHook) WorkerLost(context.Context, string) {}
func (noopHook) CapacityFreed(context.Context)      {}

// StatusNotifier mirrors worker lifecycle transitions onto the live event
// stream.
type StatusNotifier interface {
	NotifyWorkerStatus(workerID, label string, status models.WorkerStatus)
}

type noopStatusNotifier struct{}

func (noopStatusNotifier) NotifyWorkerStatus(string, string, models.WorkerStatus) {}

// Config holds the registry's timing knobs.
type Config struct {
	// LivenessWindow is how long a worker may stay silent before the
	// scan marks it offline.
	LivenessWindow time.Duration
	// ScanInterval is the cadence of the liveness scan.
	ScanInterval time.Duration
	// DefaultRAMThresholdPct derives a worker's RAM threshold from its
	// total when registration does not set one explicitly.
	DefaultRAMThresholdPct int
}

// DefaultConfig returns the stock registry timings.
func DefaultConfig() Config {
	return Config{
		LivenessWindow:         30 * time.Second,
		ScanInterval:           5 * time.Second,
		DefaultRAMThresholdPct: 90,
	}
}

// Registry is the worker-fleet tracker. Heartbeat writes touch only the
// reporting worker's row; the liveness scan is the only cross-worker pass.
type Registry struct {
	backend  store.Backend
	config   Config
	hook     Hook
	notifier StatusNotifier

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a registry. A nil hook discards transition callbacks.
func New(backend store.Backend, cfg Config, hook Hook) *Registry {
	if hook == nil {
		hook = noopHook{}
	}
	return &Registry{
		backend:  backend,
		config:   cfg,
		hook:     hook,
		notifier: noopStatusNotifier{},
		stopCh:   make(chan struct{}),
	}
}

// SetHook replaces the transition hook. Called once during startup wiring,
// before Start, when the scheduler is built after the registry.
func (r *Registry) SetHook(hook Hook) {
	r.hook = hook
}

// SetNotifier replaces the status notifier. Called during startup wiring.
func (r *Registry) SetNotifier(n StatusNotifier) {
	r.notifier = n
}

// Register creates or re-adopts a worker under its unique label. A known
// label keeps its id and history; re-registration brings the worker back
// online immediately.
func (r *Registry) Register(ctx context.Context, req *models.RegisterWorkerRequest) (*models.Worker, error) {
	if req.Label == "" {
		return nil, fmt.Errorf("worker label is required")
	}
	if req.MaxSessions <= 0 {
		return nil, fmt.Errorf("max_sessions must be positive")
	}

	threshold := req.RAMThresholdMB
	if threshold <= 0 {
		threshold = req.TotalRAMMB * int64(r.config.DefaultRAMThresholdPct) / 100
	}

	var worker *models.Worker
	cameOnline := false
	err := store.WithRetry(ctx, r.backend, func(tx store.Tx) error {
		cameOnline = false
		now := time.Now().UTC()

		existing, err := store.Workers.GetUnique(tx, store.IndexByLabel, req.Label)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if existing != nil {
			cameOnline = existing.Status != models.WorkerStatusOnline
			existing.Address = req.Address
			existing.TotalRAMMB = req.TotalRAMMB
			existing.MaxSessions = req.MaxSessions
			existing.RAMThresholdMB = threshold
			existing.Priority = req.Priority
			existing.AuthToken = req.AuthToken
			existing.Version = req.Version
			existing.Status = models.WorkerStatusOnline
			existing.LastHeartbeat = &now
			existing.UpdatedAt = now
			worker = existing
			return store.Workers.Put(tx, existing)
		}

		cameOnline = true
		worker = &models.Worker{
			ID:             models.NewID(),
			Label:          req.Label,
			Address:        req.Address,
			Status:         models.WorkerStatusOnline,
			TotalRAMMB:     req.TotalRAMMB,
			MaxSessions:    req.MaxSessions,
			RAMThresholdMB: threshold,
			Priority:       req.Priority,
			AuthToken:      req.AuthToken,
			Version:        req.Version,
			LastHeartbeat:  &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return store.Workers.Insert(tx, worker)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Worker registered",
		"worker", worker.Label, "address", worker.Address,
		"max_sessions", worker.MaxSessions, "ram_threshold_mb", worker.RAMThresholdMB)

	if cameOnline {
		r.notifier.NotifyWorkerStatus(worker.ID, worker.Label, worker.Status)
		r.hook.CapacityFreed(ctx)
	}
	return worker, nil
}

// Heartbeat ingests one metrics report, recomputes the load score and
// stamps the liveness clock. A heartbeat from an offline worker flips it
// back online and wakes the scheduler.
func (r *Registry) Heartbeat(ctx context.Context, hb *models.Heartbeat) (*models.Worker, error) {
	var worker *models.Worker
	cameOnline := false
	err := store.WithRetry(ctx, r.backend, func(tx store.Tx) error {
		cameOnline = false
		w, err := store.Workers.GetUnique(tx, store.IndexByLabel, hb.Label)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		w.UsedRAMMB = hb.UsedRAMMB
		w.CPUPercent = hb.CPUPercent
		w.ActiveSessions = hb.ActiveSessions
		w.PingMS = hb.PingMS
		if hb.Version != "" {
			w.Version = hb.Version
		}
		w.LoadScore = LoadScore(w)
		w.LastHeartbeat = &now
		w.UpdatedAt = now
		if w.Status == models.WorkerStatusOffline {
			w.Status = models.WorkerStatusOnline
			cameOnline = true
		}
		if err := store.Workers.Put(tx, w); err != nil {
			return err
		}

		sample := &models.WorkerAnalytics{
			ID:             models.NewID(),
			WorkerID:       w.ID,
			SampledAt:      now,
			UsedRAMMB:      w.UsedRAMMB,
			CPUPercent:     w.CPUPercent,
			ActiveSessions: w.ActiveSessions,
			LoadScore:      w.LoadScore,
			PingMS:         w.PingMS,
		}
		if err := store.WorkerAnalytics.Insert(tx, sample); err != nil {
			return err
		}

		worker = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cameOnline {
		slog.Info("Worker back online", "worker", worker.Label)
		r.notifier.NotifyWorkerStatus(worker.ID, worker.Label, worker.Status)
		r.hook.CapacityFreed(ctx)
	}
	return worker, nil
}

// SetDraining toggles the draining flag. Entering draining blocks new
// placements and asks the scheduler to move existing assignments off;
// leaving it makes the worker placeable again.
func (r *Registry) SetDraining(ctx context.Context, workerID string, draining bool) (*models.Worker, error) {
	var worker *models.Worker
	err := store.WithRetry(ctx, r.backend, func(tx store.Tx) error {
		w, err := store.Workers.Get(tx, workerID)
		if err != nil {
			return err
		}
		switch {
		case draining && w.Status == models.WorkerStatusOnline:
			w.Status = models.WorkerStatusDraining
		case !draining && w.Status == models.WorkerStatusDraining:
			w.Status = models.WorkerStatusOnline
		}
		w.UpdatedAt = time.Now().UTC()
		worker = w
		return store.Workers.Put(tx, w)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Worker draining flag changed", "worker", worker.Label, "draining", draining)
	r.notifier.NotifyWorkerStatus(worker.ID, worker.Label, worker.Status)
	if draining {
		r.hook.WorkerLost(ctx, worker.ID)
	} else {
		r.hook.CapacityFreed(ctx)
	}
	return worker, nil
}

// Authenticate resolves a worker by label and checks its token.
func (r *Registry) Authenticate(ctx context.Context, label, token string) (*models.Worker, error) {
	var worker *models.Worker
	err := r.backend.View(ctx, func(tx store.Tx) error {
		w, err := store.Workers.GetUnique(tx, store.IndexByLabel, label)
		if err != nil {
			return err
		}
		worker = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if worker.AuthToken == "" || worker.AuthToken != token {
		return nil, fmt.Errorf("worker %s: bad auth token", label)
	}
	return worker, nil
}

// Start launches the liveness scan loop.
func (r *Registry) Start(ctx context.Context) {
	if r.done != nil {
		return
	}
	r.done = make(chan struct{})
	go r.run(ctx)
	slog.Info("Worker registry started",
		"liveness_window", r.config.LivenessWindow,
		"scan_interval", r.config.ScanInterval)
}

// Stop halts the scan loop and waits for it to finish.
func (r *Registry) Stop() {
	if r.done == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
	slog.Info("Worker registry stopped")
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.ScanLiveness(ctx); err != nil {
				slog.Error("Liveness scan failed", "error", err)
			}
		}
	}
}

// ScanLiveness marks every online worker whose heartbeat lapsed as offline
// and fires the migration hook for each. Idempotent; safe to run from an
// admin-forced scan as well as the loop.
func (r *Registry) ScanLiveness(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.config.LivenessWindow)

	var lost []*models.Worker
	err := store.WithRetry(ctx, r.backend, func(tx store.Tx) error {
		lost = lost[:0]
		online, err := store.Workers.ByIndex(tx, store.IndexByStatus, string(models.WorkerStatusOnline))
		if err != nil {
			return err
		}
		for _, w := range online {
			if w.LastHeartbeat != nil && w.LastHeartbeat.After(cutoff) {
				continue
			}
			w.Status = models.WorkerStatusOffline
			w.UpdatedAt = time.Now().UTC()
			if err := store.Workers.Put(tx, w); err != nil {
				return err
			}
			lost = append(lost, w)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, w := range lost {
		last := "never"
		if w.LastHeartbeat != nil {
			last = w.LastHeartbeat.Format(time.RFC3339)
		}
		slog.Warn("Worker heartbeat lapsed, marked offline",
			"worker", w.Label, "last_heartbeat", last)
		r.notifier.NotifyWorkerStatus(w.ID, w.Label, w.Status)
		r.hook.WorkerLost(ctx, w.ID)
	}
	return nil
}

// LoadScore computes the published load formula:
// round(0.4*ram_pct + 0.3*cpu_pct + 0.3*sessions_pct), each percentage
// clamped to 0..100.
func LoadScore(w *models.Worker) int {
	ramPct := 0.0
	if w.TotalRAMMB > 0 {
		ramPct = float64(w.UsedRAMMB) / float64(w.TotalRAMMB) * 100
	}
	sessionsPct := 0.0
	if w.MaxSessions > 0 {
		sessionsPct = float64(w.ActiveSessions) / float64(w.MaxSessions) * 100
	}
	score := 0.4*clampPct(ramPct) + 0.3*clampPct(w.CPUPercent) + 0.3*clampPct(sessionsPct)
	return int(math.Round(score))
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
