package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/events"
)

func TestClientPushEvent(t *testing.T) {
	var got events.WorkerEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/worker-events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", testLogger(t))
	ev := events.NewWorkerEvent(events.TypeHeartbeat, "host-1", "", map[string]any{"sessionCount": 2})
	require.NoError(t, c.PushEvent(context.Background(), ev))
	assert.Equal(t, events.TypeHeartbeat, got.Type)
	assert.Equal(t, "host-1", got.WorkerID)
}

func TestClientPushEventNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", testLogger(t))
	err := c.PushEvent(context.Background(), events.NewWorkerEvent(events.TypeHeartbeat, "host-1", "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClientPushEventNetworkError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "secret", testLogger(t))
	err := c.PushEvent(context.Background(), events.NewWorkerEvent(events.TypeHeartbeat, "host-1", "", nil))
	assert.Error(t, err)
}

func TestClientHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	assert.True(t, NewClient(srv.URL, "secret", testLogger(t)).Healthy(context.Background()))
	assert.False(t, NewClient("http://127.0.0.1:1", "secret", testLogger(t)).Healthy(context.Background()))
}

func TestClientSyncSessions(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/worker-sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", testLogger(t))
	err := c.SyncSessions(context.Background(), "host-1", []Session{{SessionName: "foo", WorktreePath: "/work/foo"}})
	require.NoError(t, err)
	assert.Equal(t, "host-1", body["workerId"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "foo", sessions[0].(map[string]any)["sessionName"])
}
