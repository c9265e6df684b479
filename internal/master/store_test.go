package master

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
	"github.com/csmhq/csm/internal/events/bus"
)

func newTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewStore(bus.NewMemoryEventBus(log), limit, log)
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func TestDeriveWorkerStatus(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		lastHeartbeat string
		want          string
	}{
		{"empty means explicitly offline", "", WorkerOffline},
		{"garbage timestamp", "not-a-time", WorkerOffline},
		{"fresh heartbeat", ts(now.Add(-30 * time.Second)), WorkerOnline},
		{"exactly 60s is stale", ts(now.Add(-60 * time.Second)), WorkerStale},
		{"90s is stale", ts(now.Add(-90 * time.Second)), WorkerStale},
		{"exactly 120s is offline", ts(now.Add(-120 * time.Second)), WorkerOffline},
		{"ancient", ts(now.Add(-time.Hour)), WorkerOffline},
		{"future timestamp (clock skew) is online", ts(now.Add(45 * time.Second)), WorkerOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveWorkerStatus(now, tt.lastHeartbeat))
		})
	}
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now().UTC()

	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeWorkerRegistered, WorkerID: "host-1", Timestamp: ts(now),
		Data: map[string]any{
			"sessionCount": float64(2),
			"hostInfo":     map[string]any{"hostname": "host-1", "os": "linux", "cpuCount": float64(8)},
		},
	})

	workers := s.Workers(now.Add(30 * time.Second))
	require.Len(t, workers, 1)
	assert.Equal(t, WorkerOnline, workers[0].Status)
	assert.Equal(t, ts(now), workers[0].RegisteredAt)
	assert.Equal(t, 2, workers[0].SessionCount)
	require.NotNil(t, workers[0].HostInfo)
	assert.Equal(t, "linux", workers[0].HostInfo.OS)
	assert.Equal(t, 8, workers[0].HostInfo.CPUCount)

	// registeredAt is write-once across re-registration.
	later := now.Add(5 * time.Minute)
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeWorkerRegistered, WorkerID: "host-1", Timestamp: ts(later),
	})
	workers = s.Workers(later)
	assert.Equal(t, ts(now), workers[0].RegisteredAt)
	assert.Equal(t, ts(later), workers[0].LastHeartbeat)

	// Deregistration zeroes the heartbeat but retains the record.
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeWorkerDeregistered, WorkerID: "host-1", Timestamp: ts(later),
	})
	workers = s.Workers(later)
	require.Len(t, workers, 1)
	assert.Equal(t, WorkerOffline, workers[0].Status)
	assert.Equal(t, "", workers[0].LastHeartbeat)
}

func TestHeartbeatCreatesWorker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now().UTC()

	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeHeartbeat, WorkerID: "host-2", Timestamp: ts(now),
		Data: map[string]any{"sessionCount": float64(3)},
	})

	workers := s.Workers(now)
	require.Len(t, workers, 1)
	assert.Equal(t, "host-2", workers[0].ID)
	assert.Equal(t, 3, workers[0].SessionCount)

	// Heartbeat without sessionCount resets to 0; hostInfo is retained.
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeHeartbeat, WorkerID: "host-2", Timestamp: ts(now.Add(30 * time.Second)),
		Data: map[string]any{"hostInfo": map[string]any{"hostname": "host-2"}},
	})
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeHeartbeat, WorkerID: "host-2", Timestamp: ts(now.Add(60 * time.Second)),
	})
	workers = s.Workers(now.Add(time.Minute))
	assert.Equal(t, 0, workers[0].SessionCount)
	require.NotNil(t, workers[0].HostInfo)
	assert.Equal(t, "host-2", workers[0].HostInfo.Hostname)
}

func TestSessionEventMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now().UTC()

	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeSessionCreated, WorkerID: "host-1", SessionName: "foo", Timestamp: ts(now),
		Data: map[string]any{"worktreePath": "/work/foo", "projectName": "csm"},
	})
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeClaudeStateChanged, WorkerID: "host-1", SessionName: "foo",
		Timestamp: ts(now.Add(10 * time.Second)),
		Data:      map[string]any{"claudeState": "working"},
	})

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "foo", sessions[0]["sessionName"])
	assert.Equal(t, "/work/foo", sessions[0]["worktreePath"], "merge preserves earlier fields")
	assert.Equal(t, "working", sessions[0]["claudeState"])
	assert.Equal(t, ts(now.Add(10*time.Second)), sessions[0]["lastUpdate"])

	// Same name on another worker is a distinct entry.
	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeSessionCreated, WorkerID: "host-2", SessionName: "foo", Timestamp: ts(now),
	})
	assert.Len(t, s.Sessions(), 2)

	s.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeSessionKilled, WorkerID: "host-1", SessionName: "foo", Timestamp: ts(now),
	})
	sessions = s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "host-2", sessions[0]["workerId"])
}

// Partition drain: queued events replayed in order leave no trace of the
// killed session.
func TestDrainOrderingAfterPartition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now().UTC()

	for i, ev := range []events.WorkerEvent{
		{Type: events.TypeSessionCreated, WorkerID: "w", SessionName: "A"},
		{Type: events.TypeClaudeStateChanged, WorkerID: "w", SessionName: "A", Data: map[string]any{"claudeState": "working"}},
		{Type: events.TypeSessionKilled, WorkerID: "w", SessionName: "A"},
	} {
		ev.Timestamp = ts(now.Add(time.Duration(i) * time.Second))
		s.ApplyEvent(ctx, ev)
	}

	assert.Empty(t, s.Sessions())
	_, _, ringEvents := s.Counts()
	assert.Equal(t, 3, ringEvents)
}

func TestEventRingEviction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 1000)
	now := time.Now().UTC()

	for i := 0; i < 1050; i++ {
		s.ApplyEvent(ctx, events.WorkerEvent{
			Type:      events.TypeHeartbeat,
			WorkerID:  fmt.Sprintf("w-%04d", i),
			Timestamp: ts(now.Add(time.Duration(i) * time.Second)),
		})
	}

	_, _, ringEvents := s.Counts()
	assert.Equal(t, 1000, ringEvents)

	page, hasMore, total := s.Events(200, "")
	assert.Equal(t, 1000, total)
	assert.True(t, hasMore)
	require.Len(t, page, 200)
	// Newest-first; the oldest 50 are gone.
	assert.Equal(t, "w-1049", page[0].WorkerID)
	assert.Equal(t, "w-0850", page[199].WorkerID)
}

func TestEventsPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		s.ApplyEvent(ctx, events.WorkerEvent{
			Type:      events.TypeHeartbeat,
			WorkerID:  fmt.Sprintf("w-%d", i),
			Timestamp: ts(now.Add(time.Duration(i) * time.Minute)),
		})
	}

	page, hasMore, total := s.Events(3, "")
	assert.Equal(t, 10, total)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, "w-9", page[0].WorkerID)

	// before excludes events at or after the cutoff.
	page, hasMore, _ = s.Events(3, ts(now.Add(5*time.Minute)))
	require.Len(t, page, 3)
	assert.Equal(t, "w-4", page[0].WorkerID)
	assert.True(t, hasMore)

	page, hasMore, _ = s.Events(50, ts(now.Add(2*time.Minute)))
	require.Len(t, page, 2)
	assert.Equal(t, "w-1", page[0].WorkerID)
	assert.False(t, hasMore)

	// limit clamps to 200.
	page, _, _ = s.Events(100000, "")
	assert.Len(t, page, 10)
}

func TestApplySync(t *testing.T) {
	s := newTestStore(t, 0)

	s.ApplySync("host-1", []map[string]any{
		{"sessionName": "foo", "worktreePath": "/work/foo"},
		{"sessionName": "bar", "workerId": "other"},
		{"worktreePath": "/ignored"}, // no name, skipped
	})

	sessions := s.Sessions()
	require.Len(t, sessions, 2)
	byName := map[string]WorkerSession{}
	for _, sess := range sessions {
		byName[sess["sessionName"].(string)] = sess
	}
	assert.Equal(t, "host-1", byName["foo"]["workerId"])
	assert.Equal(t, "other", byName["bar"]["workerId"])
	assert.NotEmpty(t, byName["foo"]["lastUpdate"])
}

func TestMirrorPublishesOnBus(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)

	var got []*bus.Event
	_, err = b.Subscribe(bus.AllWorkersSubject, func(ctx context.Context, e *bus.Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	s := NewStore(b, 0, log)
	s.ApplyEvent(context.Background(), events.WorkerEvent{
		Type: events.TypeHeartbeat, WorkerID: "host-1", Timestamp: ts(time.Now()),
	})

	require.Len(t, got, 1)
	assert.Equal(t, events.TypeHeartbeat, got[0].Type)
	assert.Equal(t, "host-1", got[0].Data["workerId"])
}
