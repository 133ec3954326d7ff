package services

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// ChatService manages a user's sources and destinations. One row exists
// per (user, platform chat) and side; a chat still referenced by a mapping
// cannot be removed.
type ChatService struct {
	backend store.Backend
}

// NewChatService creates a new ChatService.
func NewChatService(backend store.Backend) *ChatService {
	return &ChatService{backend: backend}
}

// CreateSource registers a forwarding origin.
func (s *ChatService) CreateSource(ctx context.Context, req *models.CreateChatRequest) (*models.Source, error) {
	if err := validateChatRequest(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	src := &models.Source{
		ID:           models.NewID(),
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		ChatTitle:    req.ChatTitle,
		ChatType:     req.ChatType,
		ChatUsername: req.ChatUsername,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		if _, err := store.Users.Get(tx, req.UserID); err != nil {
			return err
		}
		return store.Sources.Insert(tx, src)
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// CreateDestination registers a forwarding target.
func (s *ChatService) CreateDestination(ctx context.Context, req *models.CreateChatRequest) (*models.Destination, error) {
	if err := validateChatRequest(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	dst := &models.Destination{
		ID:           models.NewID(),
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		ChatTitle:    req.ChatTitle,
		ChatType:     req.ChatType,
		ChatUsername: req.ChatUsername,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		if _, err := store.Users.Get(tx, req.UserID); err != nil {
			return err
		}
		return store.Destinations.Insert(tx, dst)
	})
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// ListSources returns a user's sources, or every source when userID is
// empty.
func (s *ChatService) ListSources(ctx context.Context, userID string) ([]*models.Source, error) {
	var sources []*models.Source
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		if userID == "" {
			sources, err = store.Sources.List(tx)
		} else {
			sources, err = store.Sources.ByIndex(tx, store.IndexByUser, userID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// ListDestinations returns a user's destinations, or every destination
// when userID is empty.
func (s *ChatService) ListDestinations(ctx context.Context, userID string) ([]*models.Destination, error) {
	var dests []*models.Destination
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		if userID == "" {
			dests, err = store.Destinations.List(tx)
		} else {
			dests, err = store.Destinations.ByIndex(tx, store.IndexByUser, userID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return dests, nil
}

// DeleteSource removes a source that no mapping references.
func (s *ChatService) DeleteSource(ctx context.Context, id string) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		refs, err := store.Mappings.ByIndex(tx, store.IndexBySource, id)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			return fmt.Errorf("source %s referenced by %d mapping(s): %w",
				id, len(refs), store.ErrConflict)
		}
		return store.Sources.Delete(tx, id)
	})
}

// DeleteDestination removes a destination that no mapping references.
// Destinations have no mapping index, so the check scans the owner's
// mappings.
func (s *ChatService) DeleteDestination(ctx context.Context, id string) error {
	return store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		dst, err := store.Destinations.Get(tx, id)
		if err != nil {
			return err
		}
		mappings, err := store.Mappings.ByIndex(tx, store.IndexByUser, dst.UserID)
		if err != nil {
			return err
		}
		refs := 0
		for _, m := range mappings {
			if m.DestinationID == id {
				refs++
			}
		}
		if refs > 0 {
			return fmt.Errorf("destination %s referenced by %d mapping(s): %w",
				id, refs, store.ErrConflict)
		}
		return store.Destinations.Delete(tx, id)
	})
}

func validateChatRequest(req *models.CreateChatRequest) error {
	if req.UserID == "" {
		return NewValidationError("user_id", "required")
	}
	if req.ChatID == 0 {
		return NewValidationError("chat_id", "required")
	}
	if !req.ChatType.IsValid() {
		return NewValidationError("chat_type", fmt.Sprintf("unknown chat type %q", req.ChatType))
	}
	return nil
}
