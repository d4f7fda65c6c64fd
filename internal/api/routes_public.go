package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "voxeld",
		"version": s.version,
	})
}

// handleServerInfo returns the public server summary.
func (s *Server) handleServerInfo(c *gin.Context) {
	info := s.game.Info()
	c.JSON(http.StatusOK, gin.H{
		"name":        info.Name,
		"protocol":    info.Protocol,
		"players":     info.Players,
		"max_players": info.MaxPlayers,
		"map": gin.H{
			"width":  info.MapWidth,
			"height": info.MapHeight,
			"depth":  info.MapDepth,
		},
		"uptime_sec": int64(info.Uptime.Seconds()),
		"version":    s.version,
	})
}
