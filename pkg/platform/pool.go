package platform

import (
	"context"
	"sync"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// Resolver hands out the client for a worker id. The pipeline and the
// sync dispatcher depend on this instead of a concrete pool so tests can
// substitute fakes.
type Resolver interface {
	ClientFor(ctx context.Context, workerID string) (Client, error)
}

// Pool builds and caches one HTTP client per worker, keyed by worker id.
// A worker re-registering with a new address or token invalidates its
// cached client.
type Pool struct {
	backend        store.Backend
	callsPerSecond float64

	mu      sync.RWMutex
	clients map[string]*pooledClient
}

type pooledClient struct {
	client  Client
	address string
	token   string
}

// NewPool creates a client pool. callsPerSecond is the per-worker pacing
// applied to every client it builds.
func NewPool(backend store.Backend, callsPerSecond float64) *Pool {
	return &Pool{
		backend:        backend,
		callsPerSecond: callsPerSecond,
		clients:        make(map[string]*pooledClient),
	}
}

// ClientFor implements Resolver.
func (p *Pool) ClientFor(ctx context.Context, workerID string) (Client, error) {
	var worker *models.Worker
	err := p.backend.View(ctx, func(tx store.Tx) error {
		w, err := store.Workers.Get(tx, workerID)
		if err != nil {
			return err
		}
		worker = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	cached, ok := p.clients[workerID]
	p.mu.RUnlock()
	if ok && cached.address == worker.Address && cached.token == worker.AuthToken {
		return cached.client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[workerID]; ok &&
		cached.address == worker.Address && cached.token == worker.AuthToken {
		return cached.client, nil
	}
	client := NewHTTPClient(worker.Address, worker.AuthToken, p.callsPerSecond)
	p.clients[workerID] = &pooledClient{
		client: client, address: worker.Address, token: worker.AuthToken,
	}
	return client, nil
}

// Invalidate drops a worker's cached client.
func (p *Pool) Invalidate(workerID string) {
	p.mu.Lock()
	delete(p.clients, workerID)
	p.mu.Unlock()
}
