package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

func seedPending(t *testing.T, f *fixture, userID string) *models.PendingMessage {
	t.Helper()
	p := &models.PendingMessage{
		ID:              models.NewID(),
		MappingID:       "m1",
		UserID:          userID,
		SourceChatID:    1001,
		SourceMsgID:     time.Now().UnixNano(),
		OriginalContent: []byte("held message"),
		Status:          models.PendingStatusPending,
		ScheduledFor:    time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	err := store.WithRetry(context.Background(), f.backend, func(tx store.Tx) error {
		return store.PendingMessages.Insert(tx, p)
	})
	require.NoError(t, err)
	return p
}

func TestApproveAndRejectPending(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", models.TierFree)
	held := seedPending(t, f, user.ID)

	rec := f.do(t, http.MethodPost, "/api/v1/pending_messages/"+held.ID+"/approve",
		map[string]any{"by": "ops@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var approved models.PendingMessage
	decode(t, rec, &approved)
	assert.Equal(t, models.PendingStatusApproved, approved.Status)
	assert.Equal(t, "ops@example.com", approved.ApprovedBy)

	// Deciding twice is a conflict.
	rec = f.do(t, http.MethodPost, "/api/v1/pending_messages/"+held.ID+"/reject",
		map[string]any{"by": "ops@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorKind(t, rec))
}

func TestListPendingByStatus(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "bob", models.TierFree)
	seedPending(t, f, user.ID)
	seedPending(t, f, user.ID)

	rec := f.do(t, http.MethodGet, "/api/v1/pending_messages?status=pending&user_id="+user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/pending_messages?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedLog(t *testing.T, f *fixture, status models.LogStatus) {
	t.Helper()
	err := store.WithRetry(context.Background(), f.backend, func(tx store.Tx) error {
		return store.ForwardingLogs.Insert(tx, &models.ForwardingLog{
			ID:        models.NewID(),
			Status:    status,
			CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestStatisticsEndpoint(t *testing.T) {
	f := newFixture(t)
	seedLog(t, f, models.LogStatusSuccess)
	seedLog(t, f, models.LogStatusFiltered)

	rec := f.do(t, http.MethodGet, "/api/v1/statistics?period=daily", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats struct {
		Period    string `json:"period"`
		Forwarded int64  `json:"forwarded"`
		Filtered  int64  `json:"filtered"`
		Total     int64  `json:"total"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, "daily", stats.Period)
	assert.Equal(t, int64(1), stats.Forwarded)
	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(2), stats.Total)

	rec = f.do(t, http.MethodGet, "/api/v1/statistics?period=weekly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForwardingLogsPaging(t *testing.T) {
	f := newFixture(t)
	for range 5 {
		seedLog(t, f, models.LogStatusSuccess)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/forwarding_logs?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/forwarding_logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
