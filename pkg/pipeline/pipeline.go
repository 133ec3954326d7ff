// Package pipeline consumes platform updates and drives each one through
// the per-mapping state machine: filter, transform, approval hold, tracker
// bookkeeping and dispatch. Each session has a single-consumer queue so
// events stay ordered, and sibling mappings of one source share a lock so
// an edit can never race the original's dispatch.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/store"
)

// Config holds the pipeline's tunables.
type Config struct {
	// QueueCapacity bounds each session's in-memory event queue; overflow
	// surfaces backpressure to the worker.
	QueueCapacity int
	// RetryMax bounds dispatch retries for transient platform failures.
	RetryMax int
	// RetryBase is the first backoff interval of a dispatch retry.
	RetryBase time.Duration
	// RetryCap is the backoff ceiling.
	RetryCap time.Duration
}

// DefaultConfig returns the stock pipeline tunables.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryCap:      30 * time.Second,
	}
}

// Syncer receives edit and delete propagation work. The sync dispatcher
// implements it; the pipeline only hands over tracker ids.
type Syncer interface {
	EnqueueEdit(trackerID, rendered string, delay time.Duration)
	EnqueueDelete(trackerID string)
}

// FailureReporter is poked when dispatch reveals a dead platform session.
// The scheduler implements it.
type FailureReporter interface {
	HandleSessionFailure(ctx context.Context, sessionID, kind, details string) error
}

// Pipeline is the per-event forwarding engine.
type Pipeline struct {
	backend  store.Backend
	engine   *rules.Engine
	quotas   *quota.Manager
	clients  platform.Resolver
	config   Config
	syncer   Syncer
	failures FailureReporter

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	stopped  bool
	wg       sync.WaitGroup

	// sourceLocks serializes sibling mappings of one source chat.
	sourceLocks keyedMutex

	baseCtx context.Context
}

// New creates a pipeline. The syncer is attached afterwards with
// SetSyncer because the sync dispatcher needs the pipeline first.
func New(backend store.Backend, engine *rules.Engine, quotas *quota.Manager, clients platform.Resolver, cfg Config, failures FailureReporter) *Pipeline {
	return &Pipeline{
		backend:  backend,
		engine:   engine,
		quotas:   quotas,
		clients:  clients,
		config:   cfg,
		failures: failures,
		sessions: make(map[string]*sessionQueue),
		baseCtx:  context.Background(),
	}
}

// SetSyncer attaches the edit/delete dispatcher. Must be called before
// the first event arrives.
func (p *Pipeline) SetSyncer(s Syncer) {
	p.syncer = s
}

// Start pins the lifecycle context consumer goroutines run under.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.stopped = false
	p.mu.Unlock()
	slog.Info("Forwarding pipeline started",
		"queue_capacity", p.config.QueueCapacity, "retry_max", p.config.RetryMax)
}

// Stop closes every session queue and waits for in-flight events to
// finish. Events submitted afterwards are refused with a pause verdict.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.sessions {
		close(q.ch)
	}
	p.sessions = make(map[string]*sessionQueue)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("Forwarding pipeline stopped")
}

// sessionQueue is the single-consumer intake for one session. paused
// records that the worker was told to stop polling; the next accepted
// submit answers with a resume verdict.
type sessionQueue struct {
	ch     chan platform.Event
	paused bool
}

// Submit hands one event to its session's queue and answers with the
// flow-control verdict the worker must honor. A full queue refuses the
// event and pauses the worker's polling; once the queue has drained below
// half capacity the next submit is accepted with an explicit resume.
func (p *Pipeline) Submit(_ context.Context, event platform.Event) platform.FlowControl {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return platform.FlowPause
	}
	q, ok := p.sessions[event.SessionID]
	if !ok {
		q = &sessionQueue{ch: make(chan platform.Event, p.config.QueueCapacity)}
		p.sessions[event.SessionID] = q
		p.wg.Add(1)
		go p.consume(event.SessionID, q)
	}

	if q.paused && len(q.ch) > p.config.QueueCapacity/2 {
		p.mu.Unlock()
		return platform.FlowPause
	}

	select {
	case q.ch <- event:
		verdict := platform.FlowOK
		if q.paused {
			q.paused = false
			verdict = platform.FlowResume
		}
		p.mu.Unlock()
		return verdict
	default:
		q.paused = true
		p.mu.Unlock()
		slog.Warn("Session queue full, pausing worker polling",
			"session_id", event.SessionID)
		return platform.FlowPause
	}
}

func (p *Pipeline) consume(sessionID string, q *sessionQueue) {
	defer p.wg.Done()
	log := slog.With("session_id", sessionID)

	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()

	for event := range q.ch {
		if ctx.Err() != nil {
			return
		}
		if err := p.processEvent(ctx, event); err != nil {
			// Per-event errors never abort the session; record and
			// move on to the next update.
			log.Error("Event processing failed",
				"kind", event.Kind, "source_chat_id", event.SourceChatID,
				"message_id", event.MessageID, "error", err)
		}
	}
}
