package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var got []*Event
	_, err := b.Subscribe("csm.sessions.foo.events", func(ctx context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("status_changed", "session-manager", map[string]any{"new": "working"})
	require.NoError(t, b.Publish(context.Background(), "csm.sessions.foo.events", ev))

	// Dispatch is synchronous, so the handler has already run.
	require.Len(t, got, 1)
	assert.Equal(t, "status_changed", got[0].Type)
}

func TestMemoryBus_DispatchOrder(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Subscribe("csm.sessions.foo.events", func(ctx context.Context, e *Event) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "csm.sessions.foo.events", NewEvent("x", "t", nil)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMemoryBus_EventOrderPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var types []string
	_, err := b.Subscribe("csm.sessions.foo.events", func(ctx context.Context, e *Event) error {
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(context.Background(), "csm.sessions.foo.events", NewEvent(typ, "t", nil)))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, types)
}

func TestMemoryBus_WildcardMatching(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var starHits, tailHits, exactHits int
	_, err := b.Subscribe(AllSessionsSubject, func(ctx context.Context, e *Event) error {
		starHits++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("csm.>", func(ctx context.Context, e *Event) error {
		tailHits++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("csm.sessions.foo.events", func(ctx context.Context, e *Event) error {
		exactHits++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "csm.sessions.foo.events", NewEvent("x", "t", nil)))
	require.NoError(t, b.Publish(ctx, "csm.sessions.bar.events", NewEvent("x", "t", nil)))
	require.NoError(t, b.Publish(ctx, "csm.workers.host-1.events", NewEvent("x", "t", nil)))

	assert.Equal(t, 2, starHits, "* matches a single token")
	assert.Equal(t, 3, tailHits, "> matches any tail")
	assert.Equal(t, 1, exactHits)
}

func TestMemoryBus_HandlerIsolation(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var reached bool
	_, err := b.Subscribe("s", func(ctx context.Context, e *Event) error {
		panic("handler blew up")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("s", func(ctx context.Context, e *Event) error {
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("s", func(ctx context.Context, e *Event) error {
		reached = true
		return nil
	})
	require.NoError(t, err)

	// Neither the panic nor the error reaches the publisher or later handlers.
	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "t", nil)))
	assert.True(t, reached)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var hits int
	sub, err := b.Subscribe("s", func(ctx context.Context, e *Event) error {
		hits++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "t", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "t", nil)))
	assert.Equal(t, 1, hits)
}

func TestMemoryBus_Closed(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "s", NewEvent("x", "t", nil)))
	_, err := b.Subscribe("s", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
