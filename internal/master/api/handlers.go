// Package api exposes the master's REST, SSE and WebSocket surface on gin.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/csmhq/csm/internal/common/errors"
	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events/bus"
	"github.com/csmhq/csm/internal/master"
	"github.com/csmhq/csm/internal/master/appconfig"
	"github.com/csmhq/csm/internal/session"
)

// LocalSessions is the master's view of tmux sessions on its own host,
// used for the send-keys fallback and git diffs. May be nil when the
// master host runs no sessions of its own.
type LocalSessions interface {
	Has(sessionName string) bool
	SendKeys(sessionName, text string) error
	Diff(sessionName, file string) (string, error)
}

// Server wires the aggregator, the session manager and the config store
// into HTTP handlers.
type Server struct {
	store    *master.Store
	sessions *session.Manager
	appcfg   *appconfig.Store
	auth     *Auth
	bus      bus.EventBus
	local    LocalSessions
	log      *logger.Logger
}

// NewServer creates the API server. local may be nil.
func NewServer(
	store *master.Store,
	sessions *session.Manager,
	appcfg *appconfig.Store,
	auth *Auth,
	eventBus bus.EventBus,
	local LocalSessions,
	log *logger.Logger,
) *Server {
	return &Server{
		store:    store,
		sessions: sessions,
		appcfg:   appcfg,
		auth:     auth,
		bus:      eventBus,
		local:    local,
		log:      log.WithFields(zap.String("component", "api")),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	workers, sessions, ringEvents := s.store.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"workers":  workers,
		"sessions": sessions,
		"events":   ringEvents,
	})
}

func (s *Server) handleWorkerEvents(c *gin.Context) {
	var ev workerEventRequest
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event body: " + err.Error()})
		return
	}
	if ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'type' is required"})
		return
	}
	if ev.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'workerId' is required"})
		return
	}

	s.store.ApplyEvent(c.Request.Context(), ev)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleWorkerSync(c *gin.Context) {
	var req workerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync body: " + err.Error()})
		return
	}

	s.store.ApplySync(req.WorkerID, req.Sessions)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.store.Workers(time.Now().UTC())})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "field 'limit' must be an integer"})
			return
		}
		limit = n
	}

	page, hasMore, total := s.store.Events(limit, c.Query("before"))
	if page == nil {
		page = []workerEventRequest{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  page,
		"hasMore": hasMore,
		"total":   total,
	})
}

func (s *Server) handleState(c *gin.Context) {
	recent := s.store.RecentEvents(20)
	if recent == nil {
		recent = []workerEventRequest{}
	}
	c.JSON(http.StatusOK, gin.H{
		"workers":      s.store.Workers(time.Now().UTC()),
		"sessions":     s.mergedSessions(),
		"recentEvents": recent,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.mergedSessions()})
}

// mergedSessions joins the worker-reported session view with live WS state.
// Sessions known only through a WebSocket (no worker has reported them)
// still appear, keyed by their name.
func (s *Server) mergedSessions() []map[string]any {
	states := s.sessions.GetAllSessions()
	byName := make(map[string]session.State, len(states))
	for _, st := range states {
		byName[st.SessionName] = st
	}

	out := []map[string]any{}
	matched := make(map[string]bool)
	for _, ws := range s.store.Sessions() {
		m := map[string]any(ws)
		if name, _ := m["sessionName"].(string); name != "" {
			if st, ok := byName[name]; ok {
				s.addWsFields(m, st)
				matched[name] = true
			}
		}
		out = append(out, m)
	}
	for _, st := range states {
		if matched[st.SessionName] {
			continue
		}
		m := map[string]any{"sessionName": st.SessionName}
		s.addWsFields(m, st)
		out = append(out, m)
	}
	return out
}

func (s *Server) addWsFields(m map[string]any, st session.State) {
	m["wsConnected"] = s.sessions.IsConnected(st.SessionName)
	m["wsStatus"] = st.Status
	if st.ClaudeSessionID != "" {
		m["claudeSessionId"] = st.ClaudeSessionID
	}
	if st.LastAssistantMessage != "" {
		m["lastAssistantMessage"] = st.LastAssistantMessage
	}
	if st.StreamingText != "" {
		m["streamingText"] = st.StreamingText
	}
	m["totalCostUsd"] = st.TotalCostUSD
	m["totalUsage"] = st.TotalUsage
	if st.PendingToolApproval != nil {
		m["pendingApproval"] = st.PendingToolApproval
	}
}

func (s *Server) handleSessionMessage(c *gin.Context) {
	name := c.Param("name")

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body: " + err.Error()})
		return
	}
	text, ok := req.Text.(string)
	if !ok || text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'text' must be a non-empty string"})
		return
	}

	// Prefer the live WebSocket; fall back to tmux send-keys for sessions
	// running without a --sdk-url connection.
	if s.sessions.IsConnected(name) {
		if err := s.sessions.SendUserMessage(c.Request.Context(), name, text); err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "method": "websocket"})
		return
	}

	if s.local != nil && s.local.Has(name) {
		if err := s.local.SendKeys(name, text); err != nil {
			s.abortWithError(c, apperrors.InternalError("failed to send keys to tmux", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "method": "tmux"})
		return
	}

	s.abortWithError(c, apperrors.NotFound("session", name))
}

func (s *Server) handleApproveTool(c *gin.Context) {
	name := c.Param("name")

	var req approveToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid approval body: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'requestId' is required"})
		return
	}
	if req.Action != "allow" && req.Action != "deny" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'action' must be \"allow\" or \"deny\""})
		return
	}

	err := s.sessions.RespondToToolApproval(c.Request.Context(), name, req.RequestID, req.Action == "allow", req.Message)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleSessionInterrupt abandons the pending tool approval by cancelling
// the CLI's control request, instead of answering it with allow or deny.
func (s *Server) handleSessionInterrupt(c *gin.Context) {
	name := c.Param("name")

	var req interruptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interrupt body: " + err.Error()})
			return
		}
	}

	if err := s.sessions.CancelControlRequest(c.Request.Context(), name, req.RequestID); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSessionEnvironment(c *gin.Context) {
	name := c.Param("name")

	var req environmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid environment body: " + err.Error()})
		return
	}
	if len(req.Env) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field 'env' must not be empty"})
		return
	}

	if err := s.sessions.UpdateEnvironment(c.Request.Context(), name, req.Env); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSessionDiff(c *gin.Context) {
	name := c.Param("name")
	if s.local == nil || !s.local.Has(name) {
		s.abortWithError(c, apperrors.NotFound("session", name))
		return
	}

	diff, err := s.local.Diff(name, c.Query("file"))
	if err != nil {
		s.abortWithError(c, apperrors.InternalError("failed to compute diff", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (s *Server) handleAuthSetup(c *gin.Context) {
	token, err := s.auth.Setup()
	if err != nil {
		s.abortWithError(c, apperrors.InternalError("failed to set up auth token", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleAuthValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": s.auth.Validate(req.Token)})
}

func (s *Server) configView() gin.H {
	cfg := s.appcfg.Get()
	return gin.H{
		"projects":          cfg.Projects,
		"hosts":             cfg.Hosts,
		"toolApprovalRules": cfg.ToolApprovalRules,
		"hasLinear":         s.appcfg.HasLinear(),
	}
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": s.configView()})
}

func (s *Server) handlePatchConfig(c *gin.Context) {
	var patch appconfig.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config patch: " + err.Error()})
		return
	}

	if _, err := s.appcfg.Apply(patch); err != nil {
		s.abortWithError(c, apperrors.InternalError("failed to persist config", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": s.configView()})
}

// abortWithError maps AppErrors onto their HTTP status, hiding internals.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	var appErr *apperrors.AppError
	message := "internal error"
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= 500 {
		s.log.WithError(err).Error("request failed", zap.String("path", c.Request.URL.Path))
	}
	c.JSON(status, gin.H{"error": message})
}
