// Package master implements the aggregator: it ingests worker events,
// tracks worker liveness, maintains the merged session view and keeps a
// bounded ring of recent events.
package master

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
	"github.com/csmhq/csm/internal/events/bus"
)

// DefaultEventHistoryLimit bounds the in-memory event ring.
const DefaultEventHistoryLimit = 1000

// Worker is the master's record of one worker agent. Records are created on
// first contact and never deleted; deregistration only clears the heartbeat.
type Worker struct {
	ID            string           `json:"id"`
	LastHeartbeat string           `json:"lastHeartbeat"`
	RegisteredAt  string           `json:"registeredAt"`
	SessionCount  int              `json:"sessionCount"`
	HostInfo      *events.HostInfo `json:"hostInfo,omitempty"`
}

// WorkerView is a Worker with its derived liveness status.
type WorkerView struct {
	Worker
	Status string `json:"status"`
}

// WorkerSession is the master's merged view of one remote session, keyed by
// workerId:sessionName. Events shallow-merge their data into it.
type WorkerSession map[string]any

// Store is the single process-wide owner of aggregated master state.
// One mutex serializes all writes; the event rate is low.
type Store struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	sessions map[string]WorkerSession
	ring     []events.WorkerEvent
	limit    int

	bus bus.EventBus
	log *logger.Logger
}

// NewStore creates an aggregator publishing ingested events on the bus.
// limit <= 0 selects DefaultEventHistoryLimit.
func NewStore(eventBus bus.EventBus, limit int, log *logger.Logger) *Store {
	if limit <= 0 {
		limit = DefaultEventHistoryLimit
	}
	return &Store{
		workers:  make(map[string]*Worker),
		sessions: make(map[string]WorkerSession),
		limit:    limit,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "master-store")),
	}
}

func sessionKey(workerID, sessionName string) string {
	return workerID + ":" + sessionName
}

// ApplyEvent ingests one worker event: append to the ring, update the
// worker record and the merged session view, and mirror it on the bus.
// Replays are safe: all session mutations are shallow merges.
func (s *Store) ApplyEvent(ctx context.Context, ev events.WorkerEvent) {
	s.mu.Lock()

	s.ring = append(s.ring, ev)
	if len(s.ring) > s.limit {
		s.ring = s.ring[len(s.ring)-s.limit:]
	}

	switch ev.Type {
	case events.TypeWorkerRegistered:
		w := s.upsertWorkerLocked(ev.WorkerID, ev.Timestamp)
		w.LastHeartbeat = ev.Timestamp
		s.adoptWorkerDataLocked(w, ev.Data)

	case events.TypeWorkerDeregistered:
		if w, ok := s.workers[ev.WorkerID]; ok {
			w.LastHeartbeat = ""
		}

	case events.TypeHeartbeat:
		w := s.upsertWorkerLocked(ev.WorkerID, ev.Timestamp)
		w.LastHeartbeat = ev.Timestamp
		w.SessionCount = 0
		s.adoptWorkerDataLocked(w, ev.Data)

	case events.TypeSessionCreated:
		sess := WorkerSession{
			"sessionName": ev.SessionName,
			"workerId":    ev.WorkerID,
			"lastUpdate":  ev.Timestamp,
		}
		for k, v := range ev.Data {
			sess[k] = v
		}
		s.sessions[sessionKey(ev.WorkerID, ev.SessionName)] = sess

	case events.TypeSessionKilled:
		delete(s.sessions, sessionKey(ev.WorkerID, ev.SessionName))

	case events.TypeSessionAttached, events.TypeSessionDetached,
		events.TypeClaudeStateChanged, events.TypeGitChanges:
		key := sessionKey(ev.WorkerID, ev.SessionName)
		sess, ok := s.sessions[key]
		if !ok {
			sess = WorkerSession{
				"sessionName": ev.SessionName,
				"workerId":    ev.WorkerID,
			}
			s.sessions[key] = sess
		}
		for k, v := range ev.Data {
			sess[k] = v
		}
		sess["lastUpdate"] = ev.Timestamp

	default:
		s.log.Debug("ignoring unknown worker event type",
			zap.String("event_type", ev.Type),
			zap.String("worker_id", ev.WorkerID))
	}

	s.mu.Unlock()

	s.mirror(ctx, ev)
}

// upsertWorkerLocked returns the record for workerID, creating it with a
// write-once registeredAt on first contact.
func (s *Store) upsertWorkerLocked(workerID, timestamp string) *Worker {
	w, ok := s.workers[workerID]
	if !ok {
		w = &Worker{ID: workerID, RegisteredAt: timestamp}
		s.workers[workerID] = w
		s.log.Info("worker first seen", zap.String("worker_id", workerID))
	}
	return w
}

func (s *Store) adoptWorkerDataLocked(w *Worker, data map[string]any) {
	if data == nil {
		return
	}
	if n, ok := asInt(data["sessionCount"]); ok {
		w.SessionCount = n
	}
	if hi, ok := data["hostInfo"].(map[string]any); ok {
		w.HostInfo = decodeHostInfo(hi)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64: // JSON numbers decode as float64
		return int(n), true
	default:
		return 0, false
	}
}

func decodeHostInfo(m map[string]any) *events.HostInfo {
	hi := &events.HostInfo{}
	if v, ok := m["hostname"].(string); ok {
		hi.Hostname = v
	}
	if v, ok := m["os"].(string); ok {
		hi.OS = v
	}
	if v, ok := m["arch"].(string); ok {
		hi.Arch = v
	}
	if v, ok := asInt(m["cpuCount"]); ok {
		hi.CPUCount = v
	}
	if v, ok := asInt(m["uptimeSeconds"]); ok {
		hi.UptimeSeconds = int64(v)
	}
	if v, ok := m["ramUsage"].(float64); ok {
		hi.RAMUsage = v
	}
	return hi
}

// mirror republishes an ingested event on the bus so SSE clients (and other
// masters, when the bus is NATS-backed) observe it live.
func (s *Store) mirror(ctx context.Context, ev events.WorkerEvent) {
	data := map[string]any{
		"workerId":  ev.WorkerID,
		"timestamp": ev.Timestamp,
	}
	if ev.SessionName != "" {
		data["sessionName"] = ev.SessionName
	}
	if ev.Data != nil {
		data["data"] = ev.Data
	}
	busEv := bus.NewEvent(ev.Type, "master-store", data)
	if err := s.bus.Publish(ctx, bus.WorkerSubject(ev.WorkerID), busEv); err != nil {
		s.log.WithError(err).Warn("failed to mirror worker event",
			zap.String("event_type", ev.Type))
	}
}

// ApplySync ingests a full-state sync: every session in the payload is
// merged into the view under workerId:sessionName with a fresh lastUpdate.
func (s *Store) ApplySync(workerID string, sessions []map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, payload := range sessions {
		name, _ := payload["sessionName"].(string)
		if name == "" {
			continue
		}
		wid, _ := payload["workerId"].(string)
		if wid == "" {
			wid = workerID
		}
		if wid == "" {
			wid = "unknown"
		}

		key := sessionKey(wid, name)
		sess, ok := s.sessions[key]
		if !ok {
			sess = WorkerSession{}
			s.sessions[key] = sess
		}
		for k, v := range payload {
			sess[k] = v
		}
		sess["workerId"] = wid
		sess["lastUpdate"] = now
	}
}

// Workers returns all worker records with derived status, stable by id.
func (s *Store) Workers(now time.Time) []WorkerView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerView, 0, len(s.workers))
	for _, w := range s.workers {
		view := WorkerView{Worker: *w, Status: DeriveWorkerStatus(now, w.LastHeartbeat)}
		if w.HostInfo != nil {
			hi := *w.HostInfo
			view.HostInfo = &hi
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns copies of every merged worker session.
func (s *Store) Sessions() []WorkerSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := make(WorkerSession, len(sess))
		for k, v := range sess {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Events pages through the ring newest-first. limit is clamped to 200
// (default 50); before, when set, returns only events strictly older than
// the given RFC3339 timestamp. total always reports the full ring size.
func (s *Store) Events(limit int, before string) (page []events.WorkerEvent, hasMore bool, total int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total = len(s.ring)

	var cutoff time.Time
	hasCutoff := false
	if before != "" {
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			cutoff = t
			hasCutoff = true
		}
	}

	// Ring is oldest-first; walk backwards for newest-first.
	for i := len(s.ring) - 1; i >= 0; i-- {
		ev := s.ring[i]
		if hasCutoff {
			ts, err := time.Parse(time.RFC3339, ev.Timestamp)
			if err != nil || !ts.Before(cutoff) {
				continue
			}
		}
		if len(page) == limit {
			hasMore = true
			break
		}
		page = append(page, ev)
	}
	return page, hasMore, total
}

// RecentEvents returns the newest n events, newest-first.
func (s *Store) RecentEvents(n int) []events.WorkerEvent {
	page, _, _ := s.Events(n, "")
	return page
}

// Counts reports the number of workers, sessions and ring events.
func (s *Store) Counts() (workers, sessions, ringEvents int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers), len(s.sessions), len(s.ring)
}
