package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/workflow"
)

type createExecutionRequest struct {
	ExecutionID string          `json:"executionId" binding:"required"`
	Input       json.RawMessage `json:"input"`
}

// createWorkflowExecution idempotently starts a workflow execution against
// the latest registered handler version.
func (s *Server) createWorkflowExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	we, err := s.workflow.CreateExecution(c.Request.Context(), workflow.CreateExecutionParams{
		ClusterID:    c.Param("clusterId"),
		WorkflowName: c.Param("workflowName"),
		ExecutionID:  req.ExecutionID,
		Input:        req.Input,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, we)
}

type executionResponse struct {
	Execution *models.WorkflowExecution `json:"execution"`
	Job       jobSnapshot               `json:"job"`
}

// getWorkflowExecution returns an execution and its orchestration job state.
func (s *Server) getWorkflowExecution(c *gin.Context) {
	we, job, err := s.workflow.GetExecution(c.Request.Context(),
		c.Param("clusterId"), c.Param("workflowName"), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, executionResponse{Execution: we, Job: snapshotOf(job)})
}

type setKeyRequest struct {
	Value json.RawMessage `json:"value"`
}

// setKey writes a cluster KV entry. onConflict=doNothing gives first-write-
// wins, which workflow handlers use for memo cells.
func (s *Server) setKey(c *gin.Context) {
	var req setKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	policy := models.KVConflictReplace
	switch c.Query("onConflict") {
	case "", "replace":
	case "doNothing":
		policy = models.KVConflictDoNothing
	default:
		respondBadRequest(c, "onConflict must be replace or doNothing")
		return
	}

	stored, err := s.workflow.SetValue(c.Request.Context(), c.Param("clusterId"), c.Param("key"), req.Value, policy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": stored})
}

// getKey reads a cluster KV entry.
func (s *Server) getKey(c *gin.Context) {
	value, err := s.workflow.GetValue(c.Request.Context(), c.Param("clusterId"), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}
