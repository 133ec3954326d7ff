package rules

import (
	"context"
	"sync"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// Engine caches compiled policies keyed by (mapping id, version). Mapping
// mutations bump the version, so a stale entry simply stops being asked
// for; Invalidate drops it eagerly when the caller knows the mapping
// changed or disappeared.
type Engine struct {
	backend store.Backend

	mu    sync.RWMutex
	cache map[string]*Policy // mapping id -> compiled policy
}

// NewEngine creates a rule engine over the store.
func NewEngine(backend store.Backend) *Engine {
	return &Engine{
		backend: backend,
		cache:   make(map[string]*Policy),
	}
}

// PolicyFor returns the compiled policy for a mapping, compiling it from
// the stored rules when the cache misses or holds an older version.
func (e *Engine) PolicyFor(ctx context.Context, m *models.Mapping) (*Policy, error) {
	e.mu.RLock()
	p, ok := e.cache[m.ID]
	e.mu.RUnlock()
	if ok && p.Version == m.Version {
		return p, nil
	}

	var userRules, mappingRules []*models.RegexRule
	err := e.backend.View(ctx, func(tx store.Tx) error {
		all, err := store.RegexRules.ByIndex(tx, store.IndexByUser, m.UserID)
		if err != nil {
			return err
		}
		for _, r := range all {
			switch r.MappingID {
			case "":
				userRules = append(userRules, r)
			case m.ID:
				mappingRules = append(mappingRules, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p = Compile(m, userRules, mappingRules)

	e.mu.Lock()
	e.cache[m.ID] = p
	e.mu.Unlock()
	return p, nil
}

// PolicyForTx compiles without touching the backend, for callers already
// inside a transaction.
func (e *Engine) PolicyForTx(tx store.Tx, m *models.Mapping) (*Policy, error) {
	e.mu.RLock()
	p, ok := e.cache[m.ID]
	e.mu.RUnlock()
	if ok && p.Version == m.Version {
		return p, nil
	}

	all, err := store.RegexRules.ByIndex(tx, store.IndexByUser, m.UserID)
	if err != nil {
		return nil, err
	}
	var userRules, mappingRules []*models.RegexRule
	for _, r := range all {
		switch r.MappingID {
		case "":
			userRules = append(userRules, r)
		case m.ID:
			mappingRules = append(mappingRules, r)
		}
	}

	p = Compile(m, userRules, mappingRules)

	e.mu.Lock()
	e.cache[m.ID] = p
	e.mu.Unlock()
	return p, nil
}

// Invalidate drops a mapping's cached policy.
func (e *Engine) Invalidate(mappingID string) {
	e.mu.Lock()
	delete(e.cache, mappingID)
	e.mu.Unlock()
}

// InvalidateUser drops every cached policy owned by the user. Used when a
// user-global rule changes, since those feed every mapping of the user.
func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	var ids []string
	err := e.backend.View(ctx, func(tx store.Tx) error {
		mappings, err := store.Mappings.ByIndex(tx, store.IndexByUser, userID)
		if err != nil {
			return err
		}
		for _, m := range mappings {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, id := range ids {
		delete(e.cache, id)
	}
	e.mu.Unlock()
	return nil
}
