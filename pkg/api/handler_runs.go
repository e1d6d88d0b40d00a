package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/agent"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
)

type createRunRequest struct {
	ID                    string                 `json:"id"`
	Type                  models.RunType         `json:"type"`
	SystemPrompt          *string                `json:"systemPrompt"`
	InitialPrompt         *string                `json:"initialPrompt"`
	ResultSchema          json.RawMessage        `json:"resultSchema"`
	Tools                 []string               `json:"tools"`
	Context               json.RawMessage        `json:"context"`
	Tags                  map[string]string      `json:"tags"`
	Interactive           bool                   `json:"interactive"`
	ReasoningTraces       bool                   `json:"reasoningTraces"`
	EnableResultGrounding bool                   `json:"enableResultGrounding"`
	OnStatusChange        *models.OnStatusChange `json:"onStatusChange"`
}

// createRun creates an agent run and starts its loop. Caller-supplied ids
// make the call idempotent.
func (s *Server) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	run, err := s.engine.CreateRun(c.Request.Context(), agent.CreateRunParams{
		ClusterID:             c.Param("clusterId"),
		RunID:                 req.ID,
		Type:                  req.Type,
		SystemPrompt:          req.SystemPrompt,
		InitialPrompt:         req.InitialPrompt,
		ResultSchema:          req.ResultSchema,
		Tools:                 req.Tools,
		Context:               req.Context,
		AuthContext:           authContext(c),
		Tags:                  req.Tags,
		Interactive:           req.Interactive,
		ReasoningTraces:       req.ReasoningTraces,
		EnableResultGrounding: req.EnableResultGrounding,
		OnStatusChange:        req.OnStatusChange,
		Start:                 true,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// listRuns lists the cluster's runs, optionally filtered by a tag pair.
func (s *Server) listRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	tagKey := c.Query("tagKey")
	tagValue := c.Query("tagValue")
	if (tagKey == "") != (tagValue == "") {
		respondBadRequest(c, "tagKey and tagValue must be provided together")
		return
	}

	runs, err := s.store.ListRuns(c.Request.Context(), c.Param("clusterId"), tagKey, tagValue, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// getRun returns a run's current state.
func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("clusterId"), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

type feedbackRequest struct {
	Score   *float64 `json:"score" binding:"required"`
	Comment *string  `json:"comment"`
}

// setRunFeedback records a human quality score for a finished run.
func (s *Server) setRunFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if *req.Score < 0 || *req.Score > 1 {
		respondBadRequest(c, "score must be between 0 and 1")
		return
	}
	if err := s.store.SetRunFeedback(c.Request.Context(), c.Param("clusterId"), c.Param("runId"), *req.Score, req.Comment); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listRunMessages returns a run's transcript after the given message id.
// With waitTime the call long-polls until new messages arrive, which is how
// chat frontends stream a run.
func (s *Server) listRunMessages(c *gin.Context) {
	clusterID := c.Param("clusterId")
	runID := c.Param("runId")
	afterID := c.Query("after")

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	wait := waitTime(c)
	deadline := time.Now().Add(wait)
	for {
		// Subscribe before reading so an append between the read and the wait
		// is not missed.
		ch, cancel := s.hub.Subscribe(events.RunTopic(clusterID, runID))

		msgs, err := s.store.ListMessages(c.Request.Context(), clusterID, runID, afterID, limit)
		if err != nil {
			cancel()
			respondError(c, err)
			return
		}
		if len(msgs) > 0 || wait <= 0 || time.Now().After(deadline) {
			cancel()
			if msgs == nil {
				msgs = []models.Message{}
			}
			c.JSON(http.StatusOK, msgs)
			return
		}

		remaining := time.Until(deadline)
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		case <-c.Request.Context().Done():
			timer.Stop()
			cancel()
			return
		}
		timer.Stop()
		cancel()
	}
}

type postMessageRequest struct {
	Message string             `json:"message" binding:"required"`
	Type    models.MessageType `json:"type"`
}

// postRunMessage appends a human message to a run and wakes it. This is also
// how a paused interactive run resumes.
func (s *Server) postRunMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = models.MessageTypeHuman
	}

	msg, err := s.engine.AppendHumanMessage(c.Request.Context(), c.Param("clusterId"), c.Param("runId"), req.Type, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// listRunBlobs returns the blobs attached to a run.
func (s *Server) listRunBlobs(c *gin.Context) {
	blobs, err := s.store.ListBlobsByRun(c.Request.Context(), c.Param("clusterId"), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, blobs)
}
