package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/store"
)

// UserService manages account registration and the cascade on deletion.
// Every user owns exactly one plan row, created alongside the account.
type UserService struct {
	backend     store.Backend
	quotas      *quota.Manager
	sched       *scheduler.Scheduler
	engine      *rules.Engine
	defaultTier models.Tier
}

// NewUserService creates a new UserService. defaultTier is the plan tier
// assigned to registrations that do not name one.
func NewUserService(backend store.Backend, quotas *quota.Manager, sched *scheduler.Scheduler, engine *rules.Engine, defaultTier models.Tier) *UserService {
	return &UserService{
		backend:     backend,
		quotas:      quotas,
		sched:       sched,
		engine:      engine,
		defaultTier: defaultTier,
	}
}

// Create registers a new account and its plan row in one transaction.
func (s *UserService) Create(ctx context.Context, req *models.CreateUserRequest) (*models.User, error) {
	if req.Username == "" {
		return nil, NewValidationError("username", "required")
	}
	if req.Email == "" {
		return nil, NewValidationError("email", "required")
	}
	if !strings.Contains(req.Email, "@") {
		return nil, NewValidationError("email", "not an email address")
	}
	role := req.Role
	if role == "" {
		role = s.defaultTier
	}
	if !role.IsValid() {
		return nil, NewValidationError("role", fmt.Sprintf("unknown tier %q", role))
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:        models.NewID(),
		Username:  req.Username,
		Email:     req.Email,
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		if err := store.Users.Insert(tx, user); err != nil {
			return err
		}
		_, err := s.quotas.EnsurePlanTx(tx, user.ID, role)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username, "tier", role)
	return user, nil
}

// Get returns one user by id.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	var user *models.User
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		user, err = store.Users.Get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// List returns every registered user.
func (s *UserService) List(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		users, err = store.Users.List(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Update applies the non-nil fields of req. A role change also rewrites the
// plan limits for the new tier; existing sessions are never terminated by a
// downgrade, the overage is only reported.
func (s *UserService) Update(ctx context.Context, id string, req *models.UpdateUserRequest) (*models.User, error) {
	if req.Email != nil && !strings.Contains(*req.Email, "@") {
		return nil, NewValidationError("email", "not an email address")
	}
	if req.Role != nil && !req.Role.IsValid() {
		return nil, NewValidationError("role", fmt.Sprintf("unknown tier %q", *req.Role))
	}

	var user *models.User
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		user, err = store.Users.Update(tx, id, func(u *models.User) error {
			if req.Email != nil {
				u.Email = *req.Email
			}
			if req.Role != nil {
				u.Role = *req.Role
			}
			if req.Active != nil {
				u.Active = *req.Active
			}
			u.UpdatedAt = time.Now().UTC()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if req.Role != nil {
		if _, err := s.quotas.ChangePlan(ctx, id, *req.Role); err != nil {
			return nil, fmt.Errorf("plan change for user %s: %w", id, err)
		}
	}
	return user, nil
}

// Delete removes the account and everything it owns: sessions are
// terminated through the scheduler first, then mappings, rules, chats,
// trackers, held messages and the plan row go in one sweep. Workers are
// global and survive.
func (s *UserService) Delete(ctx context.Context, id string) error {
	var sessions []*models.Session
	err := s.backend.View(ctx, func(tx store.Tx) error {
		if _, err := store.Users.Get(tx, id); err != nil {
			return err
		}
		var err error
		sessions, err = store.Sessions.ByIndex(tx, store.IndexByUser, id)
		return err
	})
	if err != nil {
		return err
	}

	// Free worker slots and queue positions before touching the rows.
	for _, sess := range sessions {
		if err := s.sched.Terminate(ctx, sess.ID); err != nil {
			return fmt.Errorf("terminate session %s: %w", sess.ID, err)
		}
	}

	var mappingIDs []string
	err = store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		mappingIDs = mappingIDs[:0]

		mappings, err := store.Mappings.ByIndex(tx, store.IndexByUser, id)
		if err != nil {
			return err
		}
		for _, m := range mappings {
			mappingIDs = append(mappingIDs, m.ID)
			if err := deleteByIndex(tx, store.Trackers, store.IndexByMapping, m.ID); err != nil {
				return err
			}
			if err := store.Mappings.Delete(tx, m.ID); err != nil {
				return err
			}
		}
		if err := deleteByIndex(tx, store.RegexRules, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.Sources, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.Destinations, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.PendingMessages, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.QueueItems, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.Assignments, store.IndexByUser, id); err != nil {
			return err
		}
		if err := deleteByIndex(tx, store.Sessions, store.IndexByUser, id); err != nil {
			return err
		}
		if err := store.Plans.Delete(tx, id); !store.IsNotFound(err) && err != nil {
			return err
		}
		return store.Users.Delete(tx, id)
	})
	if err != nil {
		return err
	}

	for _, mid := range mappingIDs {
		s.engine.Invalidate(mid)
	}
	slog.Info("User deleted", "user_id", id,
		"sessions", len(sessions), "mappings", len(mappingIDs))
	return nil
}

// deleteByIndex removes every row of c whose index entry matches key.
func deleteByIndex[T any](tx store.Tx, c *store.Collection[T], index, key string) error {
	rows, err := c.ByIndex(tx, index, key)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := c.Delete(tx, c.ID(row)); err != nil {
			return err
		}
	}
	return nil
}
