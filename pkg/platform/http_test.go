package platform_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/platform"
)

func TestSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages/send", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s1", body["session_id"])
		assert.EqualValues(t, 77, body["destination_chat_id"])

		_ = json.NewEncoder(w).Encode(map[string]any{"forwarded_msg_id": 500})
	}))
	defer srv.Close()

	c := platform.NewHTTPClient(srv.URL, "tok", 0)
	id, err := c.Send(context.Background(), "s1", 77, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(500), id)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantInvalid   bool
	}{
		{"server error is transient", http.StatusInternalServerError, `{}`, true, false},
		{"rate limit is transient", http.StatusTooManyRequests, `{}`, true, false},
		{"bad request is permanent", http.StatusBadRequest, `{"kind":"input_invalid"}`, false, false},
		{"session invalidation", http.StatusBadRequest, `{"kind":"session_invalid","message":"auth revoked"}`, false, true},
		{"unauthorized invalidates", http.StatusUnauthorized, `{}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := platform.NewHTTPClient(srv.URL, "", 0)
			_, err := c.Send(context.Background(), "s1", 1, "x")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, platform.IsTransient(err))
			assert.Equal(t, !tt.wantTransient, platform.IsPermanent(err))
			assert.Equal(t, tt.wantInvalid, platform.IsSessionInvalid(err))
		})
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	// A port nobody listens on.
	c := platform.NewHTTPClient("http://127.0.0.1:1", "", 0)
	err := c.StopSession(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, platform.IsTransient(err))
}

func TestEditAndDelete(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := platform.NewHTTPClient(srv.URL, "", 0)
	require.NoError(t, c.Edit(context.Background(), "s1", 77, 500, "new text"))
	require.NoError(t, c.Delete(context.Background(), "s1", 77, 500))
	assert.Equal(t, []string{"/v1/messages/edit", "/v1/messages/delete"}, paths)
}
