package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/api"
	"github.com/relaymesh/relayd/pkg/events"
	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/pipeline"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/services"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
)

const adminToken = "test-admin-token"

// fakeClient satisfies the platform client so the pipeline can be wired
// without a real chat backend.
type fakeClient struct {
	mu     sync.Mutex
	sends  int
	nextID int64
}

func (c *fakeClient) StartSession(context.Context, string, []byte) error { return nil }
func (c *fakeClient) StopSession(context.Context, string) error          { return nil }

func (c *fakeClient) Send(context.Context, string, int64, string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	c.nextID++
	return c.nextID, nil
}

func (c *fakeClient) Edit(context.Context, string, int64, int64, string) error { return nil }
func (c *fakeClient) Delete(context.Context, string, int64, int64) error       { return nil }

type fakeResolver struct{ client *fakeClient }

func (r *fakeResolver) ClientFor(context.Context, string) (platform.Client, error) {
	return r.client, nil
}

type fixture struct {
	backend store.Backend
	quotas  *quota.Manager
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	router  *gin.Engine
	client  *fakeClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b, err := boltstore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	quotas := quota.NewManager(b, nil, nil)
	engine := rules.NewEngine(b)
	reg := registry.New(b, registry.DefaultConfig(), nil)
	sched := scheduler.New(b, quotas, scheduler.DefaultConfig(), nil)
	reg.SetHook(sched)

	client := &fakeClient{}
	pipe := pipeline.New(b, engine, quotas, &fakeResolver{client: client},
		pipeline.DefaultConfig(), sched)
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)

	srv := api.NewServer(api.Deps{
		Users:    services.NewUserService(b, quotas, sched, engine, models.TierFree),
		Sessions: services.NewSessionService(b, sched, quotas),
		Workers:  services.NewWorkerService(b, reg),
		Chats:    services.NewChatService(b),
		Mappings: services.NewMappingService(b, quotas, engine),
		Rules:    services.NewRegexRuleService(b, engine),
		Pending:  services.NewPendingMessageService(b),
		Stats:    services.NewStatsService(b),
		Logs:     services.NewLogService(b),

		Registry:  reg,
		Scheduler: sched,
		Pipeline:  pipe,
		Hub:       events.NewHub(5 * time.Second),

		AdminToken: adminToken,
	})

	return &fixture{
		backend: b,
		quotas:  quotas,
		sched:   sched,
		reg:     reg,
		router:  srv.Router(),
		client:  client,
	}
}

// do runs one admin request against the router.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + adminToken,
	})
}

// doWorker runs one request as an authenticated worker.
func (f *fixture) doWorker(t *testing.T, method, path string, body any, label, token string) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, method, path, body, map[string]string{
		"X-Worker-ID":   label,
		"Authorization": "Bearer " + token,
	})
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a response body into out.
func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// errorKind pulls the kind field out of an error response body.
func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Kind string `json:"kind"`
	}
	decode(t, rec, &body)
	return body.Kind
}

func (f *fixture) createUser(t *testing.T, username string, role models.Tier) *models.User {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/users", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"role":     role,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user models.User
	decode(t, rec, &user)
	return &user
}

func (f *fixture) registerWorker(t *testing.T, label string, maxSessions int) *models.Worker {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workers", gin.H{
		"worker_id":    label,
		"address":      "10.0.0.1:9090",
		"total_ram_mb": 8192,
		"max_sessions": maxSessions,
		"auth_token":   "token-" + label,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var worker models.Worker
	decode(t, rec, &worker)
	return &worker
}

func (f *fixture) createSession(t *testing.T, userID, name string) *models.Session {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", gin.H{
		"user_id":      userID,
		"session_name": name,
		"phone":        "+15550001111",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess models.Session
	decode(t, rec, &sess)
	return &sess
}

func (f *fixture) createChat(t *testing.T, kind, userID string, chatID int64) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/"+kind, gin.H{
		"user_id":    userID,
		"chat_id":    chatID,
		"chat_title": "chat",
		"chat_type":  models.ChatTypeChannel,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rec, &created)
	return created.ID
}

func (f *fixture) createMapping(t *testing.T, userID, sourceID, destID string) *models.Mapping {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/mappings", gin.H{
		"user_id":        userID,
		"source_id":      sourceID,
		"destination_id": destID,
		"pair_name":      "pair-" + sourceID[:8],
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var mapping models.Mapping
	decode(t, rec, &mapping)
	return &mapping
}
