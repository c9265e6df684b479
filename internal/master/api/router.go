package api

import (
	"github.com/gin-gonic/gin"

	"github.com/csmhq/csm/internal/common/httpmw"
)

// Router builds the gin engine with all routes. Everything except the auth
// endpoints requires the bearer token (header or ?token= for SSE/WS).
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(s.log, "csm-master"))

	// Token bootstrap and validation are reachable without a token.
	router.GET("/api/auth/setup", s.handleAuthSetup)
	router.POST("/api/auth/validate", s.handleAuthValidate)

	authed := router.Group("/", s.auth.Middleware())
	{
		authed.GET("/api/health", s.handleHealth)

		authed.POST("/api/worker-events", s.handleWorkerEvents)
		authed.POST("/api/worker-sync", s.handleWorkerSync)
		authed.GET("/api/workers", s.handleWorkers)
		authed.GET("/api/events", s.handleEvents)
		authed.GET("/api/state", s.handleState)

		authed.GET("/api/sessions", s.handleSessions)
		authed.POST("/api/sessions/:name/message", s.handleSessionMessage)
		authed.GET("/api/sessions/:name/stream", s.handleSessionStream)
		authed.POST("/api/sessions/:name/approve-tool", s.handleApproveTool)
		authed.POST("/api/sessions/:name/interrupt", s.handleSessionInterrupt)
		authed.POST("/api/sessions/:name/environment", s.handleSessionEnvironment)
		authed.GET("/api/sessions/:name/diff", s.handleSessionDiff)

		authed.GET("/api/config", s.handleGetConfig)
		authed.PATCH("/api/config", s.handlePatchConfig)

		// CLI-facing WebSocket (claude --sdk-url ws://.../ws/sessions?name=...)
		authed.GET("/ws/sessions", s.handleSessionWS)
	}

	return router
}
