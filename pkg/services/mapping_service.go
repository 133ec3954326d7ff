package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/store"
)

// MappingService manages forwarding pairs. Creation reserves a pair slot on
// the owner's plan; every mutation bumps the mapping version so the policy
// cache recompiles on next use.
type MappingService struct {
	backend store.Backend
	quotas  *quota.Manager
	engine  *rules.Engine
}

// NewMappingService creates a new MappingService.
func NewMappingService(backend store.Backend, quotas *quota.Manager, engine *rules.Engine) *MappingService {
	return &MappingService{backend: backend, quotas: quotas, engine: engine}
}

// Create links a source to a destination. The pair slot, the ownership
// checks and the uniqueness claim all ride one transaction.
func (s *MappingService) Create(ctx context.Context, req *models.CreateMappingRequest) (*models.Mapping, error) {
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.SourceID == "" {
		return nil, NewValidationError("source_id", "required")
	}
	if req.DestinationID == "" {
		return nil, NewValidationError("destination_id", "required")
	}
	if req.PairName == "" {
		return nil, NewValidationError("pair_name", "required")
	}

	now := time.Now().UTC()
	m := &models.Mapping{
		ID:            models.NewID(),
		UserID:        req.UserID,
		SourceID:      req.SourceID,
		DestinationID: req.DestinationID,
		PairName:      req.PairName,
		PairType:      req.PairType,
		Priority:      req.Priority,
		Active:        true,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Filters != nil {
		m.Filters = *req.Filters
	}
	if req.Editing != nil {
		m.Editing = *req.Editing
	}
	if req.Sync != nil {
		m.Sync = *req.Sync
	}
	if req.Delay != nil {
		m.Delay = *req.Delay
	}

	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		src, err := store.Sources.Get(tx, req.SourceID)
		if err != nil {
			return err
		}
		if src.UserID != req.UserID {
			return NewValidationError("source_id", "not owned by user")
		}
		dst, err := store.Destinations.Get(tx, req.DestinationID)
		if err != nil {
			return err
		}
		if dst.UserID != req.UserID {
			return NewValidationError("destination_id", "not owned by user")
		}
		if _, err := s.quotas.ReserveTx(tx, req.UserID, quota.KindPair); err != nil {
			return err
		}
		return store.Mappings.Insert(tx, m)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Mapping created", "mapping_id", m.ID, "user_id", m.UserID, "pair", m.PairName)
	return m, nil
}

// Get returns one mapping by id.
func (s *MappingService) Get(ctx context.Context, id string) (*models.Mapping, error) {
	var m *models.Mapping
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		m, err = store.Mappings.Get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns a user's mappings, or every mapping when userID is empty.
func (s *MappingService) List(ctx context.Context, userID string) ([]*models.Mapping, error) {
	var mappings []*models.Mapping
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		if userID == "" {
			mappings, err = store.Mappings.List(tx)
		} else {
			mappings, err = store.Mappings.ByIndex(tx, store.IndexByUser, userID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

// Update applies the non-nil fields of req and bumps the version.
func (s *MappingService) Update(ctx context.Context, id string, req *models.UpdateMappingRequest) (*models.Mapping, error) {
	if req.PairName != nil && *req.PairName == "" {
		return nil, NewValidationError("pair_name", "cannot be empty")
	}

	var m *models.Mapping
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		m, err = store.Mappings.Update(tx, id, func(cur *models.Mapping) error {
			if req.PairName != nil {
				cur.PairName = *req.PairName
			}
			if req.Priority != nil {
				cur.Priority = *req.Priority
			}
			if req.Filters != nil {
				cur.Filters = *req.Filters
			}
			if req.Editing != nil {
				cur.Editing = *req.Editing
			}
			if req.Sync != nil {
				cur.Sync = *req.Sync
			}
			if req.Delay != nil {
				cur.Delay = *req.Delay
			}
			cur.Version++
			cur.UpdatedAt = time.Now().UTC()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.engine.Invalidate(id)
	return m, nil
}

// Toggle flips the active flag.
func (s *MappingService) Toggle(ctx context.Context, id string) (*models.Mapping, error) {
	var m *models.Mapping
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		m, err = store.Mappings.Update(tx, id, func(cur *models.Mapping) error {
			cur.Active = !cur.Active
			cur.Version++
			cur.UpdatedAt = time.Now().UTC()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.engine.Invalidate(id)
	return m, nil
}

// Delete removes the mapping, its scoped rules, its tracker rows and any
// held messages, and returns the pair slot.
func (s *MappingService) Delete(ctx context.Context, id string) error {
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		m, err := store.Mappings.Get(tx, id)
		if err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.RegexRules, store.IndexByMapping, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.Trackers, store.IndexByMapping, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.PendingMessages, store.IndexByMapping, id); err != nil {
			return err
		}
		if err := s.quotas.ReleaseTx(tx, m.UserID, quota.KindPair); err != nil {
			return err
		}
		return store.Mappings.Delete(tx, id)
	})
	if err != nil {
		return err
	}

	s.engine.Invalidate(id)
	slog.Info("Mapping deleted", "mapping_id", id)
	return nil
}

// bumpMappingTx increments a mapping's version inside the caller's
// transaction. Rule mutations use it so the compiled policy goes stale.
func bumpMappingTx(tx store.Tx, mappingID string) error {
	_, err := store.Mappings.Update(tx, mappingID, func(m *models.Mapping) error {
		m.Version++
		m.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("bump mapping %s: %w", mappingID, err)
	}
	return nil
}
