package worker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
	"github.com/csmhq/csm/internal/worker/tmux"
)

// EventPusher delivers worker events and session snapshots to the
// master. Nil when the worker runs in pure local mode (no master URL):
// events then accumulate in the durable queue.
type EventPusher interface {
	PushEvent(ctx context.Context, ev events.WorkerEvent) error
	SyncSessions(ctx context.Context, workerID string, sessions []Session) error
}

// AgentConfig carries the agent's tunables.
type AgentConfig struct {
	WorkerID          string
	SessionPrefix     string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Agent runs the poll and heartbeat loops. Each loop is a single
// goroutine, so a slow tick delays the next one instead of overlapping
// it.
type Agent struct {
	store *Store
	mux   tmux.Multiplexer
	insp  Inspector
	push  EventPusher
	cfg   AgentConfig
	log   *logger.Logger

	// drainMu serializes queue drains between the two loops; offline
	// tracks reachability so a reconnect triggers one full-state sync.
	drainMu sync.Mutex
	offline bool
}

// NewAgent wires the agent. push may be nil for pure local mode.
func NewAgent(store *Store, mux tmux.Multiplexer, insp Inspector, push EventPusher, cfg AgentConfig, log *logger.Logger) *Agent {
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "csm-"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		store: store,
		mux:   mux,
		insp:  insp,
		push:  push,
		cfg:   cfg,
		log:   log.WithWorker(cfg.WorkerID),
	}
}

// Run registers the worker, performs an initial poll and sync, then
// runs the poll and heartbeat loops until ctx is cancelled. On exit it
// pushes a deregistration event (queued if the master is unreachable).
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("worker agent starting",
		zap.String("session_prefix", a.cfg.SessionPrefix),
		zap.Duration("poll_interval", a.cfg.PollInterval),
		zap.Duration("heartbeat_interval", a.cfg.HeartbeatInterval),
		zap.Bool("local_mode", a.push == nil))

	a.emit(events.NewWorkerEvent(events.TypeWorkerRegistered, a.cfg.WorkerID, "", map[string]any{
		"hostInfo":     CollectHostInfo(),
		"sessionCount": a.store.SessionCount(),
	}))
	a.pollOnce(ctx)
	a.drain(ctx)
	a.syncSessions(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(gctx, a.cfg.PollInterval, a.pollTick) })
	g.Go(func() error { return a.loop(gctx, a.cfg.HeartbeatInterval, a.heartbeatTick) })
	err := g.Wait()

	a.deregister()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (a *Agent) pollTick(ctx context.Context) {
	a.pollOnce(ctx)
	a.drain(ctx)
}

func (a *Agent) heartbeatTick(ctx context.Context) {
	ev := events.NewWorkerEvent(events.TypeHeartbeat, a.cfg.WorkerID, "", map[string]any{
		"sessionCount": a.store.SessionCount(),
		"hostInfo":     CollectHostInfo(),
	})
	if err := a.store.TouchHeartbeat(ev.Timestamp); err != nil {
		a.log.WithError(err).Error("failed to persist heartbeat")
	}
	a.emit(ev)
	a.drain(ctx)
}

// pollOnce enumerates prefixed multiplexer sessions, diffs them against
// the previous snapshot and emits one event per observed change.
func (a *Agent) pollOnce(ctx context.Context) {
	infos, err := a.mux.ListSessions(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to list multiplexer sessions")
		return
	}

	previous := a.store.Sessions()
	current := make(map[string]struct{}, len(infos))

	for _, info := range infos {
		name, ok := strings.CutPrefix(info.Name, a.cfg.SessionPrefix)
		if !ok || name == "" {
			continue
		}
		sess := a.insp.Inspect(ctx, name, info)
		current[name] = struct{}{}

		prev, existed := previous[name]
		if !existed {
			a.emit(a.sessionEvent(events.TypeSessionCreated, name, map[string]any{
				"worktreePath": sess.WorktreePath,
				"projectName":  sess.ProjectName,
				"linearIssue":  sess.LinearIssue,
			}))
		} else {
			if prev.Attached != sess.Attached {
				eventType := events.TypeSessionDetached
				if sess.Attached {
					eventType = events.TypeSessionAttached
				}
				a.emit(a.sessionEvent(eventType, name, nil))
			}
			if prev.ClaudeState != sess.ClaudeState {
				a.emit(a.sessionEvent(events.TypeClaudeStateChanged, name, map[string]any{
					"claudeState":       sess.ClaudeState,
					"claudeLastMessage": sess.ClaudeLastMessage,
				}))
			}
			if !reflect.DeepEqual(prev.GitStats, sess.GitStats) {
				a.emit(a.sessionEvent(events.TypeGitChanges, name, map[string]any{
					"gitStats": sess.GitStats,
				}))
			}
		}

		if err := a.store.UpdateSession(sess); err != nil {
			a.log.WithSession(name).WithError(err).Error("failed to persist session snapshot")
		}
	}

	for name := range previous {
		if _, ok := current[name]; ok {
			continue
		}
		a.emit(a.sessionEvent(events.TypeSessionKilled, name, nil))
		if err := a.store.RemoveSession(name); err != nil {
			a.log.WithSession(name).WithError(err).Error("failed to remove session snapshot")
		}
	}
}

func (a *Agent) sessionEvent(eventType, sessionName string, data map[string]any) events.WorkerEvent {
	return events.NewWorkerEvent(eventType, a.cfg.WorkerID, sessionName, data)
}

// emit appends the event to the durable queue. Persist-before-send: a
// crash between emission and delivery replays the event, which the
// master applies idempotently.
func (a *Agent) emit(ev events.WorkerEvent) {
	if err := a.store.QueueEvent(ev); err != nil {
		a.log.WithError(err).Error("failed to queue event", zap.String("event_type", ev.Type))
	}
}

// drain delivers queued events head-first, stopping at the first
// failure to preserve FIFO order. A drain that clears the queue after
// a period offline triggers a full-state sync.
func (a *Agent) drain(ctx context.Context) {
	if a.push == nil {
		return
	}
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	for {
		ev, ok := a.store.PeekEvent()
		if !ok {
			break
		}
		if err := a.push.PushEvent(ctx, ev); err != nil {
			if !a.offline {
				a.log.WithError(err).Warn("master unreachable, queueing events",
					zap.Int("queue_length", a.store.QueueLength()))
			}
			a.offline = true
			return
		}
		if _, _, err := a.store.DequeueEvent(); err != nil {
			a.log.WithError(err).Error("failed to dequeue delivered event")
			return
		}
	}

	if a.offline {
		a.offline = false
		a.log.Info("master reachable again, queue drained")
		a.syncSessions(ctx)
	}
}

func (a *Agent) syncSessions(ctx context.Context) {
	if a.push == nil {
		return
	}
	snapshot := a.store.Sessions()
	sessions := make([]Session, 0, len(snapshot))
	for _, sess := range snapshot {
		sessions = append(sessions, sess)
	}
	if err := a.push.SyncSessions(ctx, a.cfg.WorkerID, sessions); err != nil {
		a.log.WithError(err).Warn("full-state sync failed")
	}
}

// deregister announces a clean shutdown. Uses a fresh context so it
// still runs after the run context is cancelled; the push timeout
// bounds the delay when the master is unreachable.
func (a *Agent) deregister() {
	a.emit(events.NewWorkerEvent(events.TypeWorkerDeregistered, a.cfg.WorkerID, "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), eventPushTimeout+time.Second)
	defer cancel()
	a.drain(ctx)
	a.log.Info("worker agent stopped", zap.Int("queued_events", a.store.QueueLength()))
}
