package api

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// liveEvents upgrades the request and hands the socket to the event hub,
// which owns it until the client disconnects.
func (s *Server) liveEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.deps.AllowedWSOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.deps.Hub.HandleConnection(c.Request.Context(), conn)
}
