package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/rules"
	"github.com/csmhq/csm/pkg/claudecode"
)

// dispatch applies one decoded message to the session state machine.
// It is the only writer for the session's state.
func (m *Manager) dispatch(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	ctx, span := m.span(ctx, "session.dispatch", sessionName, msg.Type)
	defer span.End()

	sess.mu.Lock()
	sess.state.LastMessageAt = time.Now().UTC()
	sess.mu.Unlock()

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		m.handleSystem(ctx, sessionName, sess, msg)
	case claudecode.MessageTypeAssistant:
		m.handleAssistant(ctx, sessionName, sess, msg)
	case claudecode.MessageTypeStreamEvent:
		m.handleStreamEvent(ctx, sessionName, sess, msg)
	case claudecode.MessageTypeResult:
		m.handleResult(ctx, sessionName, sess, msg)
	case claudecode.MessageTypeControlRequest:
		m.handleControlRequest(ctx, sessionName, sess, msg)
	case claudecode.MessageTypeToolProgress:
		m.emit(ctx, sessionName, EventToolProgress, map[string]any{
			"toolUseId": msg.ToolUseID,
			"toolName":  msg.ToolName,
			"elapsed":   msg.ElapsedMS,
		})
	case claudecode.MessageTypeKeepAlive:
		if err := m.send(sess, &claudecode.KeepAlive{Type: claudecode.MessageTypeKeepAlive}); err != nil {
			m.log.WithSession(sessionName).WithError(err).Debug("keep_alive echo failed")
		}
	case claudecode.MessageTypeToolUseSummary, claudecode.MessageTypeAuthStatus:
		// Informational; nothing to derive.
	default:
		m.log.WithSession(sessionName).Debug("ignoring unknown message type",
			zap.String("message_type", msg.Type))
	}
}

func (m *Manager) handleSystem(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	switch msg.Subtype {
	case claudecode.SubtypeInit:
		sess.mu.Lock()
		previous := sess.state.Status
		sess.state.ClaudeSessionID = msg.SessionID
		sess.state.Model = msg.Model
		sess.state.PermissionMode = msg.PermissionMode
		sess.state.Cwd = msg.Cwd
		if msg.Tools != nil {
			sess.state.Tools = msg.Tools
		} else {
			sess.state.Tools = []string{}
		}
		servers := make([]string, 0, len(msg.MCPServers))
		for _, s := range msg.MCPServers {
			servers = append(servers, s.Name)
		}
		sess.state.MCPServers = servers
		sess.state.Status = StatusReady
		sess.mu.Unlock()

		if msg.SessionID != "" {
			m.mu.Lock()
			m.byClaudeID[msg.SessionID] = sessionName
			m.mu.Unlock()
		}

		m.log.WithSession(sessionName).Info("session initialized",
			zap.String("claude_session_id", msg.SessionID),
			zap.String("model", msg.Model))
		if previous != StatusReady {
			m.emitStatusChanged(ctx, sessionName, previous, StatusReady)
		}
		m.flushQueuedPrompt(ctx, sessionName)

	case claudecode.SubtypeStatus:
		if msg.Status != claudecode.StatusCompacting {
			m.log.WithSession(sessionName).Debug("ignoring status update",
				zap.String("status", msg.Status))
			return
		}
		sess.mu.Lock()
		previous := sess.state.Status
		if previous == StatusDisconnected {
			sess.mu.Unlock()
			return
		}
		sess.state.Status = StatusCompacting
		sess.mu.Unlock()
		if previous != StatusCompacting {
			m.emitStatusChanged(ctx, sessionName, previous, StatusCompacting)
		}

	case claudecode.SubtypeHookResponse:
		// Some CLI modes announce their session id through a SessionStart
		// hook before system/init arrives; either gates the queued prompt.
		if msg.HookEventName != "SessionStart" || msg.SessionID == "" {
			return
		}
		sess.mu.Lock()
		if sess.state.ClaudeSessionID == "" {
			sess.state.ClaudeSessionID = msg.SessionID
		}
		sess.mu.Unlock()

		m.mu.Lock()
		m.byClaudeID[msg.SessionID] = sessionName
		m.mu.Unlock()

		m.flushQueuedPrompt(ctx, sessionName)

	default:
		m.log.WithSession(sessionName).Debug("ignoring system subtype",
			zap.String("subtype", msg.Subtype))
	}
}

// flushQueuedPrompt delivers the stored initial prompt, if any. The queue
// entry is removed before sending so a second init never resends it.
func (m *Manager) flushQueuedPrompt(ctx context.Context, sessionName string) {
	m.mu.Lock()
	prompt, ok := m.queuedPrompts[sessionName]
	if ok {
		delete(m.queuedPrompts, sessionName)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.WithSession(sessionName).Info("delivering queued initial prompt")
	if err := m.SendUserMessage(ctx, sessionName, prompt); err != nil {
		m.log.WithSession(sessionName).WithError(err).Error("failed to deliver queued prompt")
	}
}

func (m *Manager) handleAssistant(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	if msg.Message == nil {
		return
	}
	text := claudecode.TextContent(msg.Message.Content)

	sess.mu.Lock()
	m.accumulateUsage(sess, msg.UUID, msg.Message.Usage)
	sess.state.LastAssistantMessage = text
	sess.state.LastAssistantContent = msg.Message.Content
	if msg.Message.Model != "" {
		sess.state.Model = msg.Message.Model
	}
	sess.state.StreamingText = ""
	previous := sess.state.Status
	sess.state.Status = StatusWorking
	sess.mu.Unlock()

	if previous != StatusWorking {
		m.emitStatusChanged(ctx, sessionName, previous, StatusWorking)
	}
	m.emit(ctx, sessionName, EventAssistantMessage, map[string]any{
		"text":          text,
		"contentBlocks": msg.Message.Content,
		"stopReason":    msg.Message.StopReason,
	})
}

func (m *Manager) handleStreamEvent(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	ev := msg.Event
	if ev == nil || ev.Type != claudecode.StreamEventContentBlockDelta {
		return
	}
	if ev.Delta == nil || ev.Delta.Type != claudecode.DeltaTypeText || ev.Delta.Text == "" {
		return
	}

	sess.mu.Lock()
	sess.state.StreamingText += ev.Delta.Text
	accumulated := sess.state.StreamingText
	sess.mu.Unlock()

	m.emit(ctx, sessionName, EventStreamDelta, map[string]any{
		"text":            ev.Delta.Text,
		"accumulatedText": accumulated,
	})
}

func (m *Manager) handleResult(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	resultText := msg.GetResultString()

	sess.mu.Lock()
	m.accumulateUsage(sess, msg.UUID, msg.Usage)
	if msg.TotalCostUSD > sess.state.TotalCostUSD {
		sess.state.TotalCostUSD = msg.TotalCostUSD
	}
	if msg.NumTurns > sess.state.TurnCount {
		sess.state.TurnCount = msg.NumTurns
	}
	sess.state.StreamingText = ""
	if msg.IsError {
		if len(msg.Errors) > 0 {
			sess.state.Error = msg.Errors[0]
		} else if resultText != "" {
			sess.state.Error = resultText
		} else {
			sess.state.Error = msg.Subtype
		}
	}
	previous := sess.state.Status
	sess.state.Status = StatusWaitingForInput
	errText := sess.state.Error
	sess.mu.Unlock()

	if previous != StatusWaitingForInput {
		m.emitStatusChanged(ctx, sessionName, previous, StatusWaitingForInput)
	}
	m.emit(ctx, sessionName, EventResult, map[string]any{
		"success":      !msg.IsError,
		"result":       resultText,
		"errors":       msg.Errors,
		"numTurns":     msg.NumTurns,
		"totalCostUsd": msg.TotalCostUSD,
		"durationMs":   msg.DurationMS,
	})
	if msg.IsError {
		m.emit(ctx, sessionName, EventError, map[string]any{"error": errText})
	}
}

// accumulateUsage folds a message's usage into the session totals exactly
// once per message uuid. Callers hold sess.mu.
func (m *Manager) accumulateUsage(sess *session, uuid string, usage *claudecode.Usage) {
	if usage == nil {
		return
	}
	if uuid != "" {
		if _, dup := sess.seen[uuid]; dup {
			return
		}
		sess.seen[uuid] = struct{}{}
	}
	sess.state.TotalUsage.add(usage)
}

func (m *Manager) handleControlRequest(ctx context.Context, sessionName string, sess *session, msg *claudecode.Message) {
	req := msg.Request
	if req == nil || req.Subtype != claudecode.SubtypeCanUseTool {
		m.log.WithSession(sessionName).Debug("ignoring control_request",
			zap.String("subtype", subtypeOf(req)))
		return
	}

	var list []rules.Rule
	if m.rules != nil {
		list = m.rules.ToolApprovalRules()
	}
	decision := rules.Evaluate(list, req.ToolName, req.Input)

	log := m.log.WithSession(sessionName).WithFields(
		zap.String("tool", req.ToolName),
		zap.String("request_id", msg.RequestID))

	switch decision.Action {
	case rules.ActionAllow:
		if err := m.send(sess, claudecode.NewAllowResponse(msg.RequestID, req.Input)); err != nil {
			log.WithError(err).Error("failed to send auto-allow response")
			return
		}
		log.Info("tool use auto-approved by rule")
		m.emit(ctx, sessionName, EventToolAutoApproved, map[string]any{
			"requestId": msg.RequestID,
			"toolName":  req.ToolName,
			"toolInput": req.Input,
			"rule":      decision.Rule,
		})

	case rules.ActionDeny:
		if err := m.send(sess, claudecode.NewDenyResponse(msg.RequestID, "Denied by rule")); err != nil {
			log.WithError(err).Error("failed to send auto-deny response")
			return
		}
		log.Info("tool use auto-denied by rule")
		m.emit(ctx, sessionName, EventToolAutoDenied, map[string]any{
			"requestId": msg.RequestID,
			"toolName":  req.ToolName,
			"toolInput": req.Input,
			"rule":      decision.Rule,
		})

	default: // ask
		approval := &PendingToolApproval{
			RequestID:  msg.RequestID,
			ToolName:   req.ToolName,
			ToolInput:  req.Input,
			ToolUseID:  req.ToolUseID,
			ReceivedAt: time.Now().UTC(),
		}
		sess.mu.Lock()
		if sess.state.PendingToolApproval != nil {
			log.Warn("replacing existing pending tool approval",
				zap.String("previous_request_id", sess.state.PendingToolApproval.RequestID))
		}
		sess.state.PendingToolApproval = approval
		snapshot := *approval
		sess.mu.Unlock()

		log.Info("tool approval needed")
		m.emit(ctx, sessionName, EventToolApprovalNeeded, map[string]any{
			"approval": snapshot,
		})
	}
}

func subtypeOf(req *claudecode.ControlRequest) string {
	if req == nil {
		return ""
	}
	return req.Subtype
}
