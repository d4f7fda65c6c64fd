package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/server"
)

type kickRequest struct {
	Reason string `json:"reason"`
}

type banRequest struct {
	Host            string `json:"host" binding:"required"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

type saveMapRequest struct {
	Path  string `json:"path" binding:"required"`
	Level int    `json:"level"`
	// Format is "vxd" (default) or "bolt".
	Format string `json:"format"`
}

// handleKick disconnects one peer.
func (s *Server) handleKick(c *gin.Context) {
	peer, err := strconv.ParseUint(c.Param("peer"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}
	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "kicked by an operator"
	}

	if err := s.game.Kick(peer, req.Reason); err != nil {
		if errors.Is(err, server.ErrUnknownPeer) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator, _ := c.Get("operator")
	log.Info().Uint64("peer", peer).Str("reason", req.Reason).Interface("operator", operator).Msg("API: peer kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "peer": peer})
}

// handleBan bans an address and kicks its current peers.
func (s *Server) handleBan(c *gin.Context) {
	if s.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban list disabled"})
		return
	}
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "banned"
	}

	ban, err := s.bans.Ban(req.Host, req.Reason, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kicked := s.game.KickHost(req.Host, req.Reason)

	s.bus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventKick,
		Source:  "api",
		Payload: events.KickPayload{Addr: req.Host, Reason: req.Reason, Ban: true},
	})
	c.JSON(http.StatusOK, gin.H{"status": "banned", "ban": ban, "kicked": kicked})
}

func (s *Server) handleUnban(c *gin.Context) {
	if s.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban list disabled"})
		return
	}
	host := c.Param("host")
	if err := s.bans.Unban(host); err != nil {
		if errors.Is(err, db.ErrNotBanned) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "host": host})
}

// handleSaveMap writes the live terrain to disk.
func (s *Server) handleSaveMap(c *gin.Context) {
	var req saveMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch req.Format {
	case "", "vxd":
		err = s.game.SaveMap(req.Path, req.Level)
	case "bolt":
		err = s.game.ExportBlockStore(req.Path)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be vxd or bolt"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "path": req.Path})
}

func (s *Server) handleGetParams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"params": s.game.Parameters()})
}

// handleSetParams updates world parameters from a string map.
func (s *Server) handleSetParams(c *gin.Context) {
	var props map[string]string
	if err := c.ShouldBindJSON(&props); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "params": s.game.UpdateParameters(props)})
}
