package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestStoreCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := NewStore(path, "host-1", testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "host-1", s.WorkerID())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "host-1", m["workerId"])
}

func TestStorePersistsEveryMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	log := testLogger(t)

	s, err := NewStore(path, "host-1", log)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSession(Session{SessionName: "foo", WorktreePath: "/work/foo", Attached: true}))
	require.NoError(t, s.TouchHeartbeat("2026-08-24T12:00:00Z"))
	require.NoError(t, s.QueueEvent(events.NewWorkerEvent(events.TypeSessionCreated, "host-1", "foo", nil)))

	// Reload from disk: everything survives.
	s2, err := NewStore(path, "host-1", log)
	require.NoError(t, err)
	sessions := s2.Sessions()
	require.Contains(t, sessions, "foo")
	assert.Equal(t, "/work/foo", sessions["foo"].WorktreePath)
	assert.True(t, sessions["foo"].Attached)
	assert.Equal(t, 1, s2.QueueLength())

	require.NoError(t, s2.RemoveSession("foo"))
	s3, err := NewStore(path, "host-1", log)
	require.NoError(t, err)
	assert.Empty(t, s3.Sessions())
}

func TestStoreQueueFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewStore(path, "host-1", testLogger(t))
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.QueueEvent(events.NewWorkerEvent(events.TypeSessionCreated, "host-1", name, nil)))
	}

	head, ok := s.PeekEvent()
	require.True(t, ok)
	assert.Equal(t, "a", head.SessionName)

	for _, want := range []string{"a", "b", "c"} {
		ev, ok, err := s.DequeueEvent()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, ev.SessionName)
	}
	_, ok, err = s.DequeueEvent()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s, err := NewStore(path, "host-1", testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, s.Sessions())
	assert.Equal(t, 0, s.QueueLength())

	// The fresh state has been written back as valid JSON.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
