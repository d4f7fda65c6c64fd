package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voxeld-project/voxeld/internal/util"
)

func (s *Server) handleConnections(c *gin.Context) {
	conns := s.game.Connections()
	c.JSON(http.StatusOK, gin.H{"count": len(conns), "connections": conns})
}

// handlePeers lists transport peers with their queued bytes.
func (s *Server) handlePeers(c *gin.Context) {
	if s.peers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport not attached"})
		return
	}
	peers := s.peers.Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	c.JSON(http.StatusOK, gin.H{"count": len(peers), "peers": peers})
}

func (s *Server) handlePlayers(c *gin.Context) {
	players := s.game.Players()
	c.JSON(http.StatusOK, gin.H{"count": len(players), "players": players})
}

func (s *Server) handleEntities(c *gin.Context) {
	entities := s.game.Entities()
	c.JSON(http.StatusOK, gin.H{"count": len(entities), "entities": entities})
}

// handleTicks returns tick timing and the most recent long ticks.
func (s *Server) handleTicks(c *gin.Context) {
	m := s.game.Monitor()
	c.JSON(http.StatusOK, gin.H{
		"stats":      m.Stats(),
		"long_ticks": m.History(queryLimit(c, 50)),
		"alert":      m.CheckThresholds(),
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	usage, err := util.GetResourceUsage(".")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  usage,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	sessions, err := s.journal.RecentSessions(queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.journal.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "sessions": sessions})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	entries, err := s.journal.Entries(queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleBans(c *gin.Context) {
	if s.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban list disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bans": s.bans.List()})
}

// queryLimit reads the "limit" query parameter, capped at 1000.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}
