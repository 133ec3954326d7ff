package api_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
)

func TestWorkerSelfRegistration(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/worker/v1/register", map[string]any{
		"worker_id":    "fleet-1",
		"address":      "10.0.0.1:9090",
		"total_ram_mb": 8192,
		"max_sessions": 5,
		"auth_token":   "secret",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var worker models.Worker
	decode(t, rec, &worker)
	assert.Equal(t, "fleet-1", worker.Label)
	assert.Equal(t, models.WorkerStatusOnline, worker.Status)
}

func TestWorkerHeartbeatUpdatesMetrics(t *testing.T) {
	f := newFixture(t)
	worker := f.registerWorker(t, "fleet-1", 5)

	rec := f.doWorker(t, http.MethodPost, "/worker/v1/heartbeat", map[string]any{
		"used_ram_mb":     2048,
		"cpu_percent":     40.0,
		"active_sessions": 2,
		"ping_ms":         12,
	}, worker.Label, "token-"+worker.Label)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.Worker
	decode(t, rec, &updated)
	assert.Equal(t, int64(2048), updated.UsedRAMMB)
	assert.Equal(t, 2, updated.ActiveSessions)
	assert.NotZero(t, updated.LoadScore)
}

func TestWorkerEventIntakeReturnsFlowVerdict(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", models.TierFree)
	worker := f.registerWorker(t, "fleet-1", 5)
	sess := f.createSession(t, user.ID, "main")

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doWorker(t, http.MethodPost, "/worker/v1/events", map[string]any{
		"session_id":     sess.ID,
		"kind":           models.EventTypeMessage,
		"source_chat_id": 1001,
		"message_id":     1,
		"message_type":   "text",
		"text":           "hello",
		"occurred_at":    time.Now().UTC(),
	}, worker.Label, "token-"+worker.Label)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Flow string `json:"flow"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Flow)
}

func TestWorkerSessionLifecycleCallbacks(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "bob", models.TierFree)
	worker := f.registerWorker(t, "fleet-1", 5)
	sess := f.createSession(t, user.ID, "main")
	token := "token-" + worker.Label

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doWorker(t, http.MethodPost, "/worker/v1/sessions/"+sess.ID+"/started",
		nil, worker.Label, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doWorker(t, http.MethodPost, "/worker/v1/sessions/"+sess.ID+"/failure",
		map[string]any{"kind": "auth", "details": "login revoked"}, worker.Label, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Session
	decode(t, rec, &got)
	assert.Equal(t, models.SessionStatusCrashed, got.Status)
}

func TestWorkerControlPollAndAck(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "carol", models.TierFree)
	worker := f.registerWorker(t, "fleet-1", 5)
	sess := f.createSession(t, user.ID, "main")
	token := "token-" + worker.Label

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doWorker(t, http.MethodGet, "/worker/v1/controls", nil, worker.Label, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Controls []*models.WorkerControl `json:"controls"`
		Count    int                     `json:"count"`
	}
	decode(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, models.ControlActionStartSession, body.Controls[0].Action)

	rec = f.doWorker(t, http.MethodPost, "/worker/v1/controls/"+body.Controls[0].ID+"/ack",
		nil, worker.Label, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Delivered controls are not re-served.
	rec = f.doWorker(t, http.MethodGet, "/worker/v1/controls", nil, worker.Label, token)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Zero(t, body.Count)
}
