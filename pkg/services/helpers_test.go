package services_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/services"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
)

type fixture struct {
	backend store.Backend
	quotas  *quota.Manager
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	engine  *rules.Engine

	users    *services.UserService
	sessions *services.SessionService
	workers  *services.WorkerService
	chats    *services.ChatService
	mappings *services.MappingService
	rules    *services.RegexRuleService
	pending  *services.PendingMessageService
	stats    *services.StatsService
	logs     *services.LogService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b, err := boltstore.Open(filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	quotas := quota.NewManager(b, nil, nil)
	engine := rules.NewEngine(b)
	reg := registry.New(b, registry.DefaultConfig(), nil)
	sched := scheduler.New(b, quotas, scheduler.DefaultConfig(), nil)
	reg.SetHook(sched)

	return &fixture{
		backend:  b,
		quotas:   quotas,
		sched:    sched,
		reg:      reg,
		engine:   engine,
		users:    services.NewUserService(b, quotas, sched, engine, models.TierFree),
		sessions: services.NewSessionService(b, sched, quotas),
		workers:  services.NewWorkerService(b, reg),
		chats:    services.NewChatService(b),
		mappings: services.NewMappingService(b, quotas, engine),
		rules:    services.NewRegexRuleService(b, engine),
		pending:  services.NewPendingMessageService(b),
		stats:    services.NewStatsService(b),
		logs:     services.NewLogService(b),
	}
}

func (f *fixture) createUser(t *testing.T, username string, role models.Tier) *models.User {
	t.Helper()
	user, err := f.users.Create(context.Background(), &models.CreateUserRequest{
		Username: username,
		Email:    username + "@example.com",
		Role:     role,
	})
	require.NoError(t, err)
	return user
}

func (f *fixture) registerWorker(t *testing.T, label string, maxSessions int) *models.Worker {
	t.Helper()
	w, err := f.workers.Register(context.Background(), &models.RegisterWorkerRequest{
		Label:       label,
		Address:     "http://" + label + ".fleet.local:9090",
		TotalRAMMB:  8192,
		MaxSessions: maxSessions,
		AuthToken:   "token-" + label,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) createSession(t *testing.T, userID, name string) *models.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), &models.CreateSessionRequest{
		UserID:      userID,
		SessionName: name,
		Phone:       "+15550001111",
	})
	require.NoError(t, err)
	return sess
}

func (f *fixture) createSource(t *testing.T, userID string, chatID int64) *models.Source {
	t.Helper()
	src, err := f.chats.CreateSource(context.Background(), &models.CreateChatRequest{
		UserID:   userID,
		ChatID:   chatID,
		ChatType: models.ChatTypeChannel,
	})
	require.NoError(t, err)
	return src
}

func (f *fixture) createDestination(t *testing.T, userID string, chatID int64) *models.Destination {
	t.Helper()
	dst, err := f.chats.CreateDestination(context.Background(), &models.CreateChatRequest{
		UserID:   userID,
		ChatID:   chatID,
		ChatType: models.ChatTypeGroup,
	})
	require.NoError(t, err)
	return dst
}

func (f *fixture) createMapping(t *testing.T, userID, sourceID, destID string) *models.Mapping {
	t.Helper()
	m, err := f.mappings.Create(context.Background(), &models.CreateMappingRequest{
		UserID:        userID,
		SourceID:      sourceID,
		DestinationID: destID,
		PairName:      "pair-" + sourceID[:8],
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) plan(t *testing.T, userID string) *models.Plan {
	t.Helper()
	var plan *models.Plan
	err := f.backend.View(context.Background(), func(tx store.Tx) error {
		var err error
		plan, err = store.Plans.Get(tx, userID)
		return err
	})
	require.NoError(t, err)
	return plan
}
