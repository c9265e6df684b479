package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/csmhq/csm/internal/common/errors"
	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events/bus"
	"github.com/csmhq/csm/internal/rules"
	"github.com/csmhq/csm/internal/tracing"
	"github.com/csmhq/csm/pkg/claudecode"
)

// Conn is the WebSocket write surface the manager needs. Satisfied by
// *websocket.Conn; tests substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// RuleProvider supplies the current tool-approval rule list. Consulted on
// every can_use_tool request, so config changes apply immediately.
type RuleProvider interface {
	ToolApprovalRules() []rules.Rule
}

// session pairs a State with its connection. state and seen are guarded by
// mu; writeMu serializes WebSocket writes. No WebSocket write happens while
// mu is held; send acquires writeMu first, then briefly mu for the conn.
type session struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    Conn
	seen    map[string]struct{} // message uuids already counted into usage
}

// Manager owns all WS session states. It is the single writer for every
// session; everyone else sees value-copied snapshots and bus events.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*session
	byClaudeID    map[string]string // claudeSessionId -> sessionName
	queuedPrompts map[string]string // sessionName -> prompt

	rules  RuleProvider
	bus    bus.EventBus
	log    *logger.Logger
	tracer trace.Tracer
}

// NewManager creates a session manager publishing on the given bus.
func NewManager(eventBus bus.EventBus, ruleProvider RuleProvider, log *logger.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]*session),
		byClaudeID:    make(map[string]string),
		queuedPrompts: make(map[string]string),
		rules:         ruleProvider,
		bus:           eventBus,
		log:           log.WithFields(zap.String("component", "session-manager")),
		tracer:        tracing.Tracer("csm/session"),
	}
}

// HandleConnection registers a new CLI connection for sessionName. A
// reconnect for an existing name reuses the state (status back to
// connecting) so usage and history survive the disconnect.
func (m *Manager) HandleConnection(ctx context.Context, sessionName string, conn Conn) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionName]
	if !ok {
		sess = &session{
			state: State{
				SessionName: sessionName,
				Status:      StatusConnecting,
				Tools:       []string{},
				MCPServers:  []string{},
			},
			seen: make(map[string]struct{}),
		}
		m.sessions[sessionName] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	if sess.conn != nil && sess.conn != conn {
		_ = sess.conn.Close()
	}
	sess.conn = conn
	previous := sess.state.Status
	sess.state.Status = StatusConnecting
	sess.state.ConnectedAt = time.Now().UTC()
	sess.state.Error = ""
	sess.mu.Unlock()

	m.log.WithSession(sessionName).Info("CLI connected")
	m.emit(ctx, sessionName, EventSessionConnected, map[string]any{})
	if previous != StatusConnecting {
		m.emitStatusChanged(ctx, sessionName, previous, StatusConnecting)
	}
}

// HandleMessage processes one WebSocket text frame. The frame may carry
// several NDJSON lines; a malformed line is logged and skipped without
// affecting the others or the connection.
func (m *Manager) HandleMessage(ctx context.Context, sessionName string, data []byte) {
	sess := m.get(sessionName)
	if sess == nil {
		m.log.WithSession(sessionName).Warn("message for unknown session dropped")
		return
	}

	for _, line := range claudecode.SplitFrames(data) {
		msg, err := claudecode.Decode(line)
		if err != nil {
			m.log.WithSession(sessionName).WithError(err).Warn("skipping malformed line")
			continue
		}
		m.dispatch(ctx, sessionName, sess, msg)
	}
}

// HandleClose marks the session disconnected. Only the session's current
// connection may close it: a reconnect for the same name supersedes the old
// connection, whose read loop still runs its deferred close afterwards, and
// that stale close must not tear down the replacement. The state is retained
// until RemoveSession; only the claudeId index entry is purged so a future
// connection can claim the id again.
func (m *Manager) HandleClose(ctx context.Context, sessionName string, conn Conn) {
	sess := m.get(sessionName)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if conn != nil && sess.conn != conn {
		sess.mu.Unlock()
		m.log.WithSession(sessionName).Debug("ignoring close of superseded connection")
		return
	}
	previous := sess.state.Status
	sess.state.Status = StatusDisconnected
	sess.state.PendingToolApproval = nil
	claudeID := sess.state.ClaudeSessionID
	sess.conn = nil
	sess.mu.Unlock()

	if claudeID != "" {
		m.mu.Lock()
		delete(m.byClaudeID, claudeID)
		m.mu.Unlock()
	}

	m.log.WithSession(sessionName).Info("CLI disconnected")
	m.emit(ctx, sessionName, EventSessionDisconnected, map[string]any{})
	if previous != StatusDisconnected {
		m.emitStatusChanged(ctx, sessionName, previous, StatusDisconnected)
	}
}

// SendUserMessage delivers a prompt to the CLI. On success the session
// moves to working and the streaming buffer resets.
func (m *Manager) SendUserMessage(ctx context.Context, sessionName, text string) error {
	sess := m.get(sessionName)
	if sess == nil {
		return apperrors.NotFound("session", sessionName)
	}

	sess.mu.Lock()
	conn := sess.conn
	claudeID := sess.state.ClaudeSessionID
	sess.mu.Unlock()
	if conn == nil {
		return apperrors.BadRequest("session has no active WebSocket connection")
	}

	if err := m.send(sess, claudecode.NewUserMessage(text, claudeID)); err != nil {
		return apperrors.InternalError("failed to send user message", err)
	}

	sess.mu.Lock()
	previous := sess.state.Status
	sess.state.Status = StatusWorking
	sess.state.StreamingText = ""
	sess.mu.Unlock()

	if previous != StatusWorking {
		m.emitStatusChanged(ctx, sessionName, previous, StatusWorking)
	}
	return nil
}

// RespondToToolApproval answers the pending can_use_tool request. An allow
// echoes the cached tool input as updatedInput; a deny carries the message
// (default "Denied by user"). If the write to the CLI fails, the pending
// approval is left intact so the caller can retry.
func (m *Manager) RespondToToolApproval(ctx context.Context, sessionName, requestID string, allow bool, message string) error {
	sess := m.get(sessionName)
	if sess == nil {
		return apperrors.NotFound("session", sessionName)
	}

	sess.mu.Lock()
	pending := sess.state.PendingToolApproval
	conn := sess.conn
	sess.mu.Unlock()

	if pending == nil {
		return apperrors.BadRequest("no pending tool approval")
	}
	if pending.RequestID != requestID {
		return apperrors.BadRequest("requestId does not match the pending approval")
	}
	if conn == nil {
		return apperrors.BadRequest("session has no active WebSocket connection")
	}

	var resp *claudecode.ControlResponseMessage
	if allow {
		resp = claudecode.NewAllowResponse(requestID, pending.ToolInput)
	} else {
		if message == "" {
			message = "Denied by user"
		}
		resp = claudecode.NewDenyResponse(requestID, message)
	}

	if err := m.send(sess, resp); err != nil {
		return apperrors.InternalError("failed to send control_response", err)
	}

	sess.mu.Lock()
	sess.state.PendingToolApproval = nil
	sess.mu.Unlock()

	m.emit(ctx, sessionName, EventToolApprovalResolved, map[string]any{
		"requestId": requestID,
		"allowed":   allow,
	})
	return nil
}

// CancelControlRequest withdraws the pending can_use_tool request by sending
// control_cancel_request to the CLI, which abandons the tool call instead of
// answering it. An empty requestID targets whatever is pending. If the write
// fails, the pending approval is left intact so the caller can retry.
func (m *Manager) CancelControlRequest(ctx context.Context, sessionName, requestID string) error {
	sess := m.get(sessionName)
	if sess == nil {
		return apperrors.NotFound("session", sessionName)
	}

	sess.mu.Lock()
	pending := sess.state.PendingToolApproval
	conn := sess.conn
	sess.mu.Unlock()

	if pending == nil {
		return apperrors.BadRequest("no pending tool approval")
	}
	if requestID != "" && pending.RequestID != requestID {
		return apperrors.BadRequest("requestId does not match the pending approval")
	}
	if conn == nil {
		return apperrors.BadRequest("session has no active WebSocket connection")
	}

	if err := m.send(sess, claudecode.NewControlCancelRequest(pending.RequestID)); err != nil {
		return apperrors.InternalError("failed to send control_cancel_request", err)
	}

	sess.mu.Lock()
	sess.state.PendingToolApproval = nil
	sess.mu.Unlock()

	m.emit(ctx, sessionName, EventToolApprovalResolved, map[string]any{
		"requestId": pending.RequestID,
		"allowed":   false,
		"cancelled": true,
	})
	return nil
}

// UpdateEnvironment pushes environment variables into the CLI process, e.g.
// a Linear issue assignment for a session already running.
func (m *Manager) UpdateEnvironment(ctx context.Context, sessionName string, env map[string]string) error {
	sess := m.get(sessionName)
	if sess == nil {
		return apperrors.NotFound("session", sessionName)
	}

	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn == nil {
		return apperrors.BadRequest("session has no active WebSocket connection")
	}

	if err := m.send(sess, claudecode.NewEnvironmentUpdate(env)); err != nil {
		return apperrors.InternalError("failed to send update_environment_variables", err)
	}

	m.log.WithSession(sessionName).Debug("environment update sent", zap.Int("vars", len(env)))
	return nil
}

// QueueInitialPrompt stores (or replaces) a prompt to be delivered as soon
// as the named session announces its CLI session id.
func (m *Manager) QueueInitialPrompt(sessionName, text string) {
	m.mu.Lock()
	m.queuedPrompts[sessionName] = text
	m.mu.Unlock()
}

// RemoveSession deletes all trace of a session: state, connection, claudeId
// index entry and any queued prompt.
func (m *Manager) RemoveSession(sessionName string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionName]
	delete(m.sessions, sessionName)
	delete(m.queuedPrompts, sessionName)
	if ok {
		sess.mu.Lock()
		if sess.state.ClaudeSessionID != "" {
			delete(m.byClaudeID, sess.state.ClaudeSessionID)
		}
		conn := sess.conn
		sess.conn = nil
		sess.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}
	m.mu.Unlock()
}

// GetSessionState returns a snapshot of the named session.
func (m *Manager) GetSessionState(sessionName string) (State, bool) {
	sess := m.get(sessionName)
	if sess == nil {
		return State{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state.Clone(), true
}

// GetAllSessions returns snapshots of every known session.
func (m *Manager) GetAllSessions() []State {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	out := make([]State, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		out = append(out, sess.state.Clone())
		sess.mu.Unlock()
	}
	return out
}

// IsConnected reports whether the named session has a live WebSocket.
func (m *Manager) IsConnected(sessionName string) bool {
	sess := m.get(sessionName)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.conn != nil
}

// GetSessionNameByClaudeID resolves a CLI session UUID to its session name.
func (m *Manager) GetSessionNameByClaudeID(claudeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byClaudeID[claudeID]
	return name, ok
}

func (m *Manager) get(sessionName string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionName]
}

// send serializes writes to a session's WebSocket. Never called with the
// session state lock held.
func (m *Manager) send(sess *session, v any) error {
	data, err := claudecode.Encode(v)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn == nil {
		return apperrors.BadRequest("session has no active WebSocket connection")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) emit(ctx context.Context, sessionName, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["sessionName"] = sessionName
	ev := bus.NewEvent(eventType, "session-manager", data)
	if err := m.bus.Publish(ctx, bus.SessionSubject(sessionName), ev); err != nil {
		m.log.WithSession(sessionName).WithError(err).Warn("failed to publish event")
	}
}

func (m *Manager) emitStatusChanged(ctx context.Context, sessionName string, previous, next Status) {
	m.emit(ctx, sessionName, EventStatusChanged, map[string]any{
		"previous": string(previous),
		"new":      string(next),
	})
}

// span wraps message dispatch in a trace span; no-op unless tracing is on.
func (m *Manager) span(ctx context.Context, name, sessionName, msgType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("csm.session", sessionName),
		attribute.String("csm.message_type", msgType),
	))
}
