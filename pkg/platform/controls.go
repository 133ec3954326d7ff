package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// ControlDispatcher pushes pending worker-control records (start/stop
// session commands) to their workers. Delivery is best-effort push on top
// of the workers' own poll loop: a record the push cannot reach stays
// pending and the worker picks it up on its next controls poll.
type ControlDispatcher struct {
	backend  store.Backend
	resolver Resolver
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewControlDispatcher creates a dispatcher scanning at the given cadence.
func NewControlDispatcher(backend store.Backend, resolver Resolver, interval time.Duration) *ControlDispatcher {
	return &ControlDispatcher{
		backend:  backend,
		resolver: resolver,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the push loop.
func (d *ControlDispatcher) Start(ctx context.Context) {
	if d.done != nil {
		return
	}
	d.done = make(chan struct{})
	go d.run(ctx)
	slog.Info("Control dispatcher started", "interval", d.interval)
}

// Stop halts the push loop.
func (d *ControlDispatcher) Stop() {
	if d.done == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
	slog.Info("Control dispatcher stopped")
}

func (d *ControlDispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.pushPending(ctx); err != nil {
				slog.Error("Control push sweep failed", "error", err)
			}
		}
	}
}

// pushPending delivers every pending control to an online worker.
func (d *ControlDispatcher) pushPending(ctx context.Context) error {
	var pending []*models.WorkerControl
	err := d.backend.View(ctx, func(tx store.Tx) error {
		var err error
		pending, err = store.WorkerControls.ByIndex(tx, store.IndexByStatus, string(models.ControlStatusPending))
		return err
	})
	if err != nil {
		return err
	}

	for _, control := range pending {
		if err := d.pushOne(ctx, control); err != nil {
			slog.Warn("Control push failed, leaving for worker poll",
				"control_id", control.ID, "worker_id", control.WorkerID,
				"action", control.Action, "error", err)
		}
	}
	return nil
}

func (d *ControlDispatcher) pushOne(ctx context.Context, control *models.WorkerControl) error {
	var (
		worker   *models.Worker
		authBlob []byte
	)
	err := d.backend.View(ctx, func(tx store.Tx) error {
		w, err := store.Workers.Get(tx, control.WorkerID)
		if err != nil {
			return err
		}
		worker = w
		if control.Action == models.ControlActionStartSession {
			session, err := store.Sessions.Get(tx, control.SessionID)
			if err != nil {
				return err
			}
			authBlob = session.AuthBlob
		}
		return nil
	})
	if err != nil {
		return err
	}
	if worker.Status == models.WorkerStatusOffline {
		return nil
	}

	client, err := d.resolver.ClientFor(ctx, control.WorkerID)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 15 * time.Second

	op := func() error {
		var callErr error
		switch control.Action {
		case models.ControlActionStartSession:
			callErr = client.StartSession(ctx, control.SessionID, authBlob)
		case models.ControlActionStopSession:
			callErr = client.StopSession(ctx, control.SessionID)
		}
		if callErr != nil && !IsTransient(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	return store.WithRetry(ctx, d.backend, func(tx store.Tx) error {
		_, err := store.WorkerControls.Update(tx, control.ID, func(c *models.WorkerControl) error {
			if c.Status == models.ControlStatusPending {
				now := time.Now().UTC()
				c.Status = models.ControlStatusDelivered
				c.DeliveredAt = &now
			}
			return nil
		})
		return err
	})
}
