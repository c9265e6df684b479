// Package worker implements the per-host agent: it polls the local
// terminal multiplexer, diffs session snapshots, and pushes events to
// the master with durable retry.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
)

// Session is the worker-side snapshot of one multiplexer session,
// including the fields derived by the poll loop.
type Session struct {
	SessionName       string         `json:"sessionName"`
	WorktreePath      string         `json:"worktreePath,omitempty"`
	ProjectName       string         `json:"projectName,omitempty"`
	LinearIssue       string         `json:"linearIssue,omitempty"`
	Created           string         `json:"created,omitempty"`
	Attached          bool           `json:"attached"`
	Windows           int            `json:"windows,omitempty"`
	Title             string         `json:"title,omitempty"`
	ClaudeState       string         `json:"claudeState,omitempty"`
	ClaudeLastMessage string         `json:"claudeLastMessage,omitempty"`
	GitStats          map[string]any `json:"gitStats,omitempty"`
}

// persistedState is the on-disk layout of the worker state file.
type persistedState struct {
	WorkerID      string               `json:"workerId"`
	Sessions      map[string]Session   `json:"sessions"`
	LastHeartbeat string               `json:"lastHeartbeat"`
	EventQueue    []events.WorkerEvent `json:"eventQueue"`
}

// Store persists session snapshots and the outbound event queue to a
// single JSON file. Every mutation persists synchronously before
// returning; writes go to a temp file renamed into place.
type Store struct {
	mu    sync.Mutex
	path  string
	state persistedState
	log   *logger.Logger
}

// NewStore loads the state file at path, creating it (and its parent
// directory) when absent. A corrupt file is replaced by fresh state.
func NewStore(path, workerID string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{path: path, log: log}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		if uerr := json.Unmarshal(data, &s.state); uerr != nil {
			log.WithError(uerr).Warn("worker state file is corrupt, starting fresh")
			s.state = persistedState{}
		}
	}

	s.state.WorkerID = workerID
	if s.state.Sessions == nil {
		s.state.Sessions = make(map[string]Session)
	}
	if s.state.EventQueue == nil {
		s.state.EventQueue = []events.WorkerEvent{}
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Sessions returns a copy of the last persisted snapshot.
func (s *Store) Sessions() map[string]Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Session, len(s.state.Sessions))
	for name, sess := range s.state.Sessions {
		out[name] = sess
	}
	return out
}

// SessionCount returns the number of tracked sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Sessions)
}

// UpdateSession stores the snapshot for one session.
func (s *Store) UpdateSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Sessions[sess.SessionName] = sess
	return s.persistLocked()
}

// RemoveSession drops a session that disappeared from the multiplexer.
func (s *Store) RemoveSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Sessions, name)
	return s.persistLocked()
}

// TouchHeartbeat records the time of the last heartbeat emission.
func (s *Store) TouchHeartbeat(timestamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastHeartbeat = timestamp
	return s.persistLocked()
}

// QueueEvent appends an event to the durable outbound queue. The queue
// is persisted before any delivery attempt, so a crash never loses an
// emitted event (a replay after "sent but not dequeued" is acceptable:
// the master applies worker events idempotently).
func (s *Store) QueueEvent(ev events.WorkerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.EventQueue = append(s.state.EventQueue, ev)
	return s.persistLocked()
}

// PeekEvent returns the queue head without removing it.
func (s *Store) PeekEvent() (events.WorkerEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.EventQueue) == 0 {
		return events.WorkerEvent{}, false
	}
	return s.state.EventQueue[0], true
}

// DequeueEvent removes and returns the queue head (FIFO).
func (s *Store) DequeueEvent() (events.WorkerEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.EventQueue) == 0 {
		return events.WorkerEvent{}, false, nil
	}
	head := s.state.EventQueue[0]
	s.state.EventQueue = append([]events.WorkerEvent{}, s.state.EventQueue[1:]...)
	return head, true, s.persistLocked()
}

// QueueLength returns the number of events awaiting delivery.
func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.EventQueue)
}

// WorkerID returns the identity persisted in the state file.
func (s *Store) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.WorkerID
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write worker state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename worker state: %w", err)
	}
	return nil
}
