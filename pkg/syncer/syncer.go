// Package syncer propagates source-side edits and deletes to the forwarded
// copies and dispatches held messages once their delay or approval clears.
// Edits coalesce per forwarded message: rapid re-edits inside the mapping's
// update delay collapse into one platform call carrying the latest text.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/pipeline"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/store"
)

// Config holds the dispatcher's tunables.
type Config struct {
	// PollInterval paces the pending-message scan.
	PollInterval time.Duration
	// ApprovalMaxAge expires pending rows nobody decided on.
	ApprovalMaxAge time.Duration
	// RetryMax bounds platform retries for one edit or delete.
	RetryMax int
	// RetryBase is the first backoff interval.
	RetryBase time.Duration
	// RetryCap is the backoff ceiling.
	RetryCap time.Duration
}

// DefaultConfig returns the stock sync tunables.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		ApprovalMaxAge: 24 * time.Hour,
		RetryMax:       3,
		RetryBase:      500 * time.Millisecond,
		RetryCap:       30 * time.Second,
	}
}

// Syncer is the edit/delete dispatcher and approval poller. It implements
// pipeline.Syncer.
type Syncer struct {
	backend store.Backend
	clients platform.Resolver
	pipe    *pipeline.Pipeline
	config  Config

	mu      sync.Mutex
	edits   map[string]*pendingEdit
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
}

// pendingEdit is one coalescing window. The timer is armed on the first
// enqueue; later enqueues inside the window only swap the text.
type pendingEdit struct {
	rendered string
	timer    *time.Timer
	attempts int
}

// New creates a syncer bound to the pipeline it dispatches approved
// messages through.
func New(backend store.Backend, clients platform.Resolver, pipe *pipeline.Pipeline, cfg Config) *Syncer {
	return &Syncer{
		backend: backend,
		clients: clients,
		pipe:    pipe,
		config:  cfg,
		edits:   make(map[string]*pendingEdit),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		baseCtx: context.Background(),
	}
}

// Start launches the approval poll loop.
func (s *Syncer) Start(ctx context.Context) {
	s.baseCtx = ctx
	go s.pollLoop(ctx)
	slog.Info("Sync dispatcher started",
		"poll_interval", s.config.PollInterval,
		"approval_max_age", s.config.ApprovalMaxAge)
}

// Stop halts the poll loop, cancels unfired edit windows and waits for
// in-flight dispatches.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done

	s.mu.Lock()
	s.stopped = true
	for id, pe := range s.edits {
		pe.timer.Stop()
		delete(s.edits, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Sync dispatcher stopped")
}

func (s *Syncer) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PollPending(ctx); err != nil {
				slog.Error("Pending-message poll failed", "error", err)
			}
		}
	}
}

// EnqueueEdit schedules propagation of an edited message. delay is the
// mapping's update delay; zero flushes on the next tick of the runtime.
func (s *Syncer) EnqueueEdit(trackerID, rendered string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if pe, ok := s.edits[trackerID]; ok {
		pe.rendered = rendered
		return
	}
	pe := &pendingEdit{rendered: rendered}
	pe.timer = time.AfterFunc(delay, func() { s.flushEdit(trackerID) })
	s.edits[trackerID] = pe
}

// EnqueueDelete propagates a delete immediately; deletes never coalesce.
func (s *Syncer) EnqueueDelete(trackerID string) {
	// A pending edit for the same copy is pointless now.
	s.mu.Lock()
	if pe, ok := s.edits[trackerID]; ok {
		pe.timer.Stop()
		delete(s.edits, trackerID)
	}
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.propagateDelete(s.baseCtx, trackerID); err != nil {
			slog.Error("Delete propagation failed",
				"tracker_id", trackerID, "error", err)
		}
	}()
}

// flushEdit runs when a coalescing window closes. A copy whose dispatch
// has not finished yet (forwarded id still zero) gets its window re-armed
// a bounded number of times.
func (s *Syncer) flushEdit(trackerID string) {
	s.mu.Lock()
	pe, ok := s.edits[trackerID]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	rendered := pe.rendered
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.baseCtx
	tracker, m, err := s.loadTracker(ctx, trackerID)
	if errors.Is(err, store.ErrNotFound) {
		s.dropEdit(trackerID)
		return
	}
	if err != nil {
		slog.Error("Edit propagation failed", "tracker_id", trackerID, "error", err)
		s.dropEdit(trackerID)
		return
	}

	if tracker.ForwardedMsgID == 0 {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		pe.attempts++
		if pe.attempts > s.config.RetryMax {
			delete(s.edits, trackerID)
			s.mu.Unlock()
			slog.Warn("Dropping edit for never-forwarded message",
				"tracker_id", trackerID)
			return
		}
		pe.timer = time.AfterFunc(s.config.RetryBase*(1<<uint(pe.attempts)),
			func() { s.flushEdit(trackerID) })
		s.mu.Unlock()
		return
	}

	s.dropEdit(trackerID)
	if err := s.propagateEdit(ctx, tracker, m, rendered); err != nil {
		slog.Error("Edit propagation failed",
			"tracker_id", trackerID, "error", err)
	}
}

func (s *Syncer) dropEdit(trackerID string) {
	s.mu.Lock()
	delete(s.edits, trackerID)
	s.mu.Unlock()
}

func (s *Syncer) propagateEdit(ctx context.Context, tracker *models.MessageTracker, m *models.Mapping, rendered string) error {
	session, err := s.activeSession(ctx, m.UserID)
	if err != nil {
		return err
	}

	err = s.withRetries(ctx, func() error {
		client, err := s.clients.ClientFor(ctx, session.WorkerID)
		if err != nil {
			return err
		}
		return client.Edit(ctx, session.ID,
			tracker.DestinationChatID, tracker.ForwardedMsgID, rendered)
	})
	if err != nil {
		return err
	}

	now := time.Now()
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		_, err := store.Trackers.Update(tx, tracker.ID, func(t *models.MessageTracker) error {
			t.LastSynced = now
			return nil
		})
		return err
	})
}

// propagateDelete removes the forwarded copy and, on success, the tracker
// row itself. Exhausted retries mark the row orphaned so later delete
// events do not beat on a copy that may or may not still exist.
func (s *Syncer) propagateDelete(ctx context.Context, trackerID string) error {
	tracker, m, err := s.loadTracker(ctx, trackerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if tracker.ForwardedMsgID == 0 {
		// Never delivered; just drop the claim.
		return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
			return store.Trackers.Delete(tx, tracker.ID)
		})
	}

	session, err := s.activeSession(ctx, m.UserID)
	if err == nil {
		err = s.withRetries(ctx, func() error {
			client, err := s.clients.ClientFor(ctx, session.WorkerID)
			if err != nil {
				return err
			}
			return client.Delete(ctx, session.ID,
				tracker.DestinationChatID, tracker.ForwardedMsgID)
		})
	}
	if err != nil {
		markErr := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
			_, err := store.Trackers.Update(tx, tracker.ID, func(t *models.MessageTracker) error {
				t.Orphaned = true
				return nil
			})
			return err
		})
		if markErr != nil {
			return fmt.Errorf("mark orphaned after %v: %w", err, markErr)
		}
		return err
	}

	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		return store.Trackers.Delete(tx, tracker.ID)
	})
}

func (s *Syncer) loadTracker(ctx context.Context, trackerID string) (*models.MessageTracker, *models.Mapping, error) {
	var (
		tracker *models.MessageTracker
		m       *models.Mapping
	)
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		tracker, err = store.Trackers.Get(tx, trackerID)
		if err != nil {
			return err
		}
		m, err = store.Mappings.Get(tx, tracker.MappingID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return tracker, m, nil
}

func (s *Syncer) activeSession(ctx context.Context, userID string) (*models.Session, error) {
	var session *models.Session
	err := s.backend.View(ctx, func(tx store.Tx) error {
		sessions, err := store.Sessions.ByIndex(tx, store.IndexByUser, userID)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if sess.Status == models.SessionStatusActive {
				session = sess
				return nil
			}
		}
		return pipeline.ErrNoActiveSession
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Syncer) withRetries(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !platform.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryBase
	b.Multiplier = 2
	b.MaxInterval = s.config.RetryCap
	b.MaxElapsedTime = 0
	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(s.config.RetryMax)), ctx))
}
