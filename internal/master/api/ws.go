package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxFrameSize bounds one CLI text frame. NDJSON lines carrying full
// assistant messages can be large.
const maxFrameSize = 10 * 1024 * 1024

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the bearer token is the access control, not the origin
	},
}

// handleSessionWS upgrades /ws/sessions?name=<session> for a Claude Code
// CLI started with --sdk-url. The read loop feeds frames to the session
// manager; the manager owns all writes after the upgrade.
func (s *Server) handleSessionWS(c *gin.Context) {
	name := c.Query("name")
	if !sessionNamePattern.MatchString(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'name' must match [A-Za-z0-9_-]+"})
		return
	}
	log := s.log.WithSession(name)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	ctx := c.Request.Context()
	s.sessions.HandleConnection(ctx, name, conn)
	defer s.sessions.HandleClose(ctx, name, conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			log.Debug("ignoring non-text frame", zap.Int("message_type", messageType))
			continue
		}
		s.sessions.HandleMessage(ctx, name, data)
	}
}
