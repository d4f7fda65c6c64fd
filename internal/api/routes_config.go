package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/config"
)

type configPatch struct {
	Section string      `json:"section" binding:"required"`
	Key     string      `json:"key" binding:"required"`
	Value   interface{} `json:"value"`
}

// handleGetConfig returns the configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Redacted())
}

// handleSetConfig changes one field, validates and saves. An invalid change
// is rolled back. Most settings take effect on restart.
func (s *Server) handleSetConfig(c *gin.Context) {
	var req configPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous, err := s.cfg.Field(req.Section, req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(s.cfg)
	if !result.IsValid() {
		if err := s.cfg.UpdateField(req.Section, req.Key, previous); err != nil {
			log.Error().Err(err).Msg("API: failed to restore config field")
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid configuration", "errors": result.Errors})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	operator, _ := c.Get("operator")
	log.Info().Str("section", req.Section).Str("key", req.Key).Interface("operator", operator).Msg("API: config updated")
	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"warnings": result.Warnings,
		"restart":  true,
	})
}
