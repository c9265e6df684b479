package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
	"github.com/csmhq/csm/internal/events/bus"
	"github.com/csmhq/csm/internal/master"
	"github.com/csmhq/csm/internal/master/appconfig"
	"github.com/csmhq/csm/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLocal struct {
	sessions map[string]bool
	sent     []string
	diff     string
}

func (f *fakeLocal) Has(name string) bool { return f.sessions[name] }

func (f *fakeLocal) SendKeys(name, text string) error {
	f.sent = append(f.sent, name+":"+text)
	return nil
}

func (f *fakeLocal) Diff(name, file string) (string, error) {
	if f.diff == "" {
		return "", errors.New("no diff available")
	}
	return f.diff, nil
}

type fixture struct {
	router *gin.Engine
	server *Server
	store  *master.Store
	mgr    *session.Manager
	bus    *bus.MemoryEventBus
	local  *fakeLocal
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(log)
	store := master.NewStore(b, 0, log)

	cfg, err := appconfig.NewStore(t.TempDir()+"/config.json", log)
	require.NoError(t, err)

	mgr := session.NewManager(b, cfg, log)
	auth, err := NewAuth(t.TempDir(), log)
	require.NoError(t, err)

	local := &fakeLocal{sessions: map[string]bool{}}
	server := NewServer(store, mgr, cfg, auth, b, local, log)

	token, err := auth.Setup()
	require.NoError(t, err)

	return &fixture{
		router: server.Router(),
		server: server,
		store:  store,
		mgr:    mgr,
		bus:    b,
		local:  local,
		token:  token,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

// stubConn satisfies session.Conn for API tests.
type stubConn struct{ frames []string }

func (c *stubConn) WriteMessage(_ int, data []byte) error {
	c.frames = append(c.frames, string(data))
	return nil
}
func (c *stubConn) Close() error { return nil }

func TestAuth(t *testing.T) {
	f := newFixture(t)

	// Unauthenticated requests get 401.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Setup is idempotent and needs no token.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/setup", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.token, decodeBody(t, w)["token"])

	// Validate.
	w = f.request(t, http.MethodPost, "/api/auth/validate", gin.H{"token": f.token})
	assert.Equal(t, true, decodeBody(t, w)["valid"])
	w = f.request(t, http.MethodPost, "/api/auth/validate", gin.H{"token": "wrong"})
	assert.Equal(t, false, decodeBody(t, w)["valid"])

	// ?token= works for clients that cannot set headers.
	req = httptest.NewRequest(http.MethodGet, "/api/health?token="+f.token, nil)
	w2 := httptest.NewRecorder()
	f.router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["workers"])
}

func TestWorkerEventsIngest(t *testing.T) {
	f := newFixture(t)

	now := time.Now().UTC().Format(time.RFC3339)
	w := f.request(t, http.MethodPost, "/api/worker-events", events.WorkerEvent{
		Type: events.TypeHeartbeat, WorkerID: "host-1", Timestamp: now,
		Data: map[string]any{"sessionCount": 1},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])

	w = f.request(t, http.MethodGet, "/api/workers", nil)
	body := decodeBody(t, w)
	workers := body["workers"].([]any)
	require.Len(t, workers, 1)
	worker := workers[0].(map[string]any)
	assert.Equal(t, "host-1", worker["id"])
	assert.Equal(t, "online", worker["status"])

	// Parse failure and missing fields are 400s naming the field.
	req := httptest.NewRequest(http.MethodPost, "/api/worker-events", strings.NewReader("{bad"))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = f.request(t, http.MethodPost, "/api/worker-events", gin.H{"workerId": "host-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "type")
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		f.store.ApplyEvent(context.Background(), events.WorkerEvent{
			Type:      events.TypeHeartbeat,
			WorkerID:  fmt.Sprintf("w-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}

	w := f.request(t, http.MethodGet, "/api/events?limit=2", nil)
	body := decodeBody(t, w)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, true, body["hasMore"])
	evs := body["events"].([]any)
	require.Len(t, evs, 2)
	assert.Equal(t, "w-4", evs[0].(map[string]any)["workerId"])

	w = f.request(t, http.MethodGet, "/api/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerSync(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/worker-sync", gin.H{
		"workerId": "host-1",
		"sessions": []gin.H{{"sessionName": "foo", "worktreePath": "/work/foo"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/sessions", nil)
	sessions := decodeBody(t, w)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "foo", sessions[0].(map[string]any)["sessionName"])
}

func TestSessionMessageRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No WS, no tmux: 404.
	w := f.request(t, http.MethodPost, "/api/sessions/foo/message", gin.H{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Non-string text: 400 citing the field.
	w = f.request(t, http.MethodPost, "/api/sessions/foo/message", gin.H{"text": 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "text")

	// tmux fallback.
	f.local.sessions["foo"] = true
	w = f.request(t, http.MethodPost, "/api/sessions/foo/message", gin.H{"text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tmux", decodeBody(t, w)["method"])
	assert.Equal(t, []string{"foo:hi"}, f.local.sent)

	// Live WebSocket takes precedence.
	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))
	w = f.request(t, http.MethodPost, "/api/sessions/foo/message", gin.H{"text": "go"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "websocket", decodeBody(t, w)["method"])
	require.Len(t, conn.frames, 1)
	assert.Contains(t, conn.frames[0], `"content":"go"`)
}

func TestApproveToolEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"x"},"tool_use_id":"u1"}}`))

	w := f.request(t, http.MethodPost, "/api/sessions/foo/approve-tool", gin.H{"requestId": "r1", "action": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/sessions/foo/approve-tool", gin.H{"action": "allow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/sessions/foo/approve-tool", gin.H{"requestId": "r1", "action": "allow"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, conn.frames, 1)
	assert.Contains(t, conn.frames[0], `"behavior":"allow"`)

	// No longer pending.
	w = f.request(t, http.MethodPost, "/api/sessions/foo/approve-tool", gin.H{"requestId": "r1", "action": "allow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInterruptEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))

	// Nothing pending yet.
	w := f.request(t, http.MethodPost, "/api/sessions/foo/interrupt", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"x"},"tool_use_id":"u1"}}`))

	w = f.request(t, http.MethodPost, "/api/sessions/foo/interrupt", gin.H{"requestId": "other"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An empty body cancels whatever is pending.
	w = f.request(t, http.MethodPost, "/api/sessions/foo/interrupt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, conn.frames, 1)
	assert.JSONEq(t, `{"type":"control_cancel_request","request_id":"r1"}`, conn.frames[0])

	state, ok := f.mgr.GetSessionState("foo")
	require.True(t, ok)
	assert.Nil(t, state.PendingToolApproval)
}

func TestEnvironmentEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.request(t, http.MethodPost, "/api/sessions/foo/environment", gin.H{"env": gin.H{"K": "v"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))

	w = f.request(t, http.MethodPost, "/api/sessions/foo/environment", gin.H{"env": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/sessions/foo/environment", gin.H{"env": gin.H{"CSM_LINEAR_ISSUE": "ENG-42"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, conn.frames, 1)
	assert.JSONEq(t, `{"type":"update_environment_variables","env":{"CSM_LINEAR_ISSUE":"ENG-42"}}`, conn.frames[0])
}

func TestSessionDiff(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/sessions/foo/diff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.local.sessions["foo"] = true
	f.local.diff = "diff --git a/x b/x"
	w = f.request(t, http.MethodGet, "/api/sessions/foo/diff?file=x", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "diff --git a/x b/x", decodeBody(t, w)["diff"])
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/api/config", nil)
	cfg := decodeBody(t, w)["config"].(map[string]any)
	assert.Equal(t, false, cfg["hasLinear"])

	w = f.request(t, http.MethodPatch, "/api/config", gin.H{
		"toolApprovalRules": []gin.H{{"tool": "Bash", "pattern": "ls *", "action": "allow"}},
		"linearApiKey":      "lin_123",
	})
	require.Equal(t, http.StatusOK, w.Code)
	cfg = decodeBody(t, w)["config"].(map[string]any)
	assert.Equal(t, true, cfg["hasLinear"])
	ruleList := cfg["toolApprovalRules"].([]any)
	require.Len(t, ruleList, 1)

	// The key never appears in the response.
	assert.NotContains(t, w.Body.String(), "lin_123")

	// The session manager consults the patched rules immediately.
	ctx := context.Background()
	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls -la"},"tool_use_id":"u1"}}`))
	require.Len(t, conn.frames, 1)
	assert.Contains(t, conn.frames[0], `"behavior":"allow"`)
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.ApplyEvent(ctx, events.WorkerEvent{
		Type: events.TypeSessionCreated, WorkerID: "host-1", SessionName: "foo",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]any{"worktreePath": "/work/foo"},
	})
	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))

	w := f.request(t, http.MethodGet, "/api/state", nil)
	body := decodeBody(t, w)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1, "worker view and ws state merge by name")
	merged := sessions[0].(map[string]any)
	assert.Equal(t, "/work/foo", merged["worktreePath"])
	assert.Equal(t, "ready", merged["wsStatus"])
	assert.Equal(t, true, merged["wsConnected"])
	assert.Equal(t, "c1", merged["claudeSessionId"])
	require.Len(t, body["recentEvents"].([]any), 1)
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := &stubConn{}
	f.mgr.HandleConnection(ctx, "foo", conn)
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"system","subtype":"init","session_id":"c1"}`))

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		srv.URL+"/api/sessions/foo/stream?token="+f.token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	readEvent := func(scanner *bufio.Scanner) map[string]any {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &m))
			return m
		}
		t.Fatal("stream ended before event")
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := readEvent(scanner)
	assert.Equal(t, "connected", first["type"])
	assert.Equal(t, "foo", first["sessionName"])

	snapshot := readEvent(scanner)
	require.Equal(t, "state_snapshot", snapshot["type"])
	state := snapshot["state"].(map[string]any)
	assert.Equal(t, "ready", state["status"])

	// A live event published after connect is forwarded.
	f.mgr.HandleMessage(ctx, "foo", []byte(`{"type":"stream_event","uuid":"e1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}}`))
	delta := readEvent(scanner)
	assert.Equal(t, session.EventStreamDelta, delta["type"])
	data := delta["data"].(map[string]any)
	assert.Equal(t, "Hi", data["text"])
}
