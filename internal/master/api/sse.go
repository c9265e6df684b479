package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/events/bus"
)

// sseBufferSize bounds the per-client queue. A client that cannot keep up
// has events dropped (and logged) rather than stalling the bus.
const sseBufferSize = 64

// handleSessionStream streams a session's live events as Server-Sent
// Events. Framing per event: "data: <json>\n\n". The first message is
// {type:"connected"}, followed by {type:"state_snapshot"} when the session
// exists, then bus events in emission order.
func (s *Server) handleSessionStream(c *gin.Context) {
	name := c.Param("name")
	log := s.log.WithSession(name)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Subscribe before writing headers so no event is lost between the
	// client seeing the 200 and the first broadcast.
	queue := make(chan *bus.Event, sseBufferSize)
	sub, err := s.bus.Subscribe(bus.SessionSubject(name), func(ctx context.Context, ev *bus.Event) error {
		select {
		case queue <- ev:
		default:
			log.Warn("dropping event for slow SSE client", zap.String("event_type", ev.Type))
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	if err := writeSSE(c.Writer, gin.H{"type": "connected", "sessionName": name}); err != nil {
		return
	}
	if state, ok := s.sessions.GetSessionState(name); ok {
		if err := writeSSE(c.Writer, gin.H{"type": "state_snapshot", "state": state}); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			payload := gin.H{
				"type":      ev.Type,
				"timestamp": ev.Timestamp,
				"data":      ev.Data,
			}
			if err := writeSSE(c.Writer, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
