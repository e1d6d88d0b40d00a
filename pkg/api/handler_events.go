package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/models"
)

// listEvents queries the audit log with optional filters.
func (s *Server) listEvents(c *gin.Context) {
	var f models.EventFilter
	if v := c.Query("jobId"); v != "" {
		f.JobID = &v
	}
	if v := c.Query("machineId"); v != "" {
		f.MachineID = &v
	}
	if v := c.Query("runId"); v != "" {
		f.RunID = &v
	}
	if v := c.Query("type"); v != "" {
		f.Type = &v
	}
	if v := c.Query("targetFn"); v != "" {
		f.TargetFn = &v
	}
	if v := c.Query("status"); v != "" {
		f.Status = &v
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	evts, err := s.store.ListEvents(c.Request.Context(), c.Param("clusterId"), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, evts)
}

type createBlobRequest struct {
	Name  string          `json:"name" binding:"required"`
	Type  models.BlobType `json:"type" binding:"required"`
	JobID *string         `json:"jobId"`
	RunID *string         `json:"runId"`
	// Data is base64-encoded.
	Data string `json:"data" binding:"required"`
}

// createBlob stores a typed payload attached to a job or run.
func (s *Server) createBlob(c *gin.Context) {
	var req createBlobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if !models.ValidBlobType(req.Type) {
		respondBadRequest(c, "unsupported blob type")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondBadRequest(c, "data must be base64-encoded")
		return
	}
	if req.Type == models.BlobTypeJSON && !json.Valid(data) {
		respondBadRequest(c, "data is not valid JSON")
		return
	}

	blob := &models.Blob{
		ID:        uuid.NewString(),
		ClusterID: c.Param("clusterId"),
		Name:      req.Name,
		Type:      req.Type,
		JobID:     req.JobID,
		RunID:     req.RunID,
		Data:      data,
	}
	if err := s.store.InsertBlob(c.Request.Context(), blob); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": blob.ID})
}

// getBlob returns a stored blob, data base64-encoded by the JSON marshaler.
func (s *Server) getBlob(c *gin.Context) {
	blob, err := s.store.GetBlob(c.Request.Context(), c.Param("clusterId"), c.Param("blobId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, blob)
}
