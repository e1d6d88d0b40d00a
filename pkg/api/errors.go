package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/agent"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/workflow"
)

// respondError maps service-layer errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var agentValidation *agent.ValidationError
	var registryValidation *registry.ValidationError
	var workflowValidation *workflow.ValidationError
	switch {
	case errors.As(err, &agentValidation),
		errors.As(err, &registryValidation),
		errors.As(err, &workflowValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrToolNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state conflict"})
	case errors.Is(err, workflow.ErrWorkflowNotRegistered):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not registered"})
	default:
		slog.Error("unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// respondBadRequest reports a request-shape problem.
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
