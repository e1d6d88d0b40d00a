package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/database"
	"github.com/agentplane/agentplane/pkg/version"
)

// health reports overall readiness, including database reachability.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := database.Health(ctx, s.db)
	status := http.StatusOK
	state := "healthy"
	if !dbHealth.Reachable {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":   state,
		"version":  version.Full(),
		"pod":      s.cfg.PodID,
		"database": dbHealth,
	})
}

// live is the liveness probe: process is up, nothing else checked.
func (s *Server) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
