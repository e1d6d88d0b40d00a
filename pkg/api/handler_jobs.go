package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
)

type createJobRequest struct {
	Function string          `json:"function" binding:"required"`
	Input    json.RawMessage `json:"input"`
}

// claimedJob is the machine-facing view of a claimed job: the target is named
// function and the arguments input, matching what the SDK registered.
type claimedJob struct {
	ID             string          `json:"id"`
	Function       string          `json:"function"`
	Input          json.RawMessage `json:"input,omitempty"`
	Approved       *bool           `json:"approved,omitempty"`
	AuthContext    json.RawMessage `json:"authContext,omitempty"`
	RunContext     json.RawMessage `json:"runContext,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

type jobSnapshot struct {
	ID         string                `json:"id"`
	Status     models.JobStatus      `json:"status"`
	Result     json.RawMessage       `json:"result,omitempty"`
	ResultType *models.JobResultType `json:"resultType,omitempty"`
	Cached     bool                  `json:"cached,omitempty"`
}

// createJob enqueues a direct function call. With waitTime the response
// blocks until the job finishes or the window closes, returning whatever
// state the job is in by then.
func (s *Server) createJob(c *gin.Context) {
	clusterID := c.Param("clusterId")
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	created, err := s.queue.CreateJob(c.Request.Context(), queue.CreateJobParams{
		ClusterID:   clusterID,
		TargetFn:    req.Function,
		TargetArgs:  req.Input,
		AuthContext: authContext(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	wait := waitTime(c)
	if created.Cached || wait <= 0 {
		c.JSON(http.StatusCreated, jobSnapshot{
			ID:         created.ID,
			Status:     created.Status,
			Result:     created.Result,
			ResultType: created.ResultType,
			Cached:     created.Cached,
		})
		return
	}

	job, err := s.queue.WaitForResult(c.Request.Context(), clusterID, created.ID, wait)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshotOf(job))
}

// pollJobs is the machine work loop: long-poll claim of pending jobs for the
// tools this machine serves. A request naming a tool the cluster no longer
// knows gets 410, telling the machine to re-register before polling again.
func (s *Server) pollJobs(c *gin.Context) {
	clusterID := c.Param("clusterId")
	info, ok := machineInfo(c, clusterID)
	if !ok {
		respondBadRequest(c, "X-Machine-ID header is required")
		return
	}

	toolsParam := c.Query("tools")
	if toolsParam == "" {
		respondBadRequest(c, "tools query parameter is required")
		return
	}
	names := splitNonEmpty(toolsParam)

	known, err := s.store.ListToolsByName(c.Request.Context(), clusterID, names)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(known) < len(names) {
		registered := make(map[string]bool, len(known))
		for i := range known {
			registered[known[i].Name] = true
		}
		for _, name := range names {
			if !registered[name] {
				c.JSON(http.StatusGone, gin.H{"error": "tool " + name + " is not registered, re-register and retry"})
				return
			}
		}
	}

	limit := 10
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.queue.Poll(c.Request.Context(), queue.PollParams{
		Machine: info,
		Tools:   names,
		Limit:   limit,
		Wait:    waitTime(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	claimed := make([]claimedJob, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		claimed = append(claimed, claimedJob{
			ID:             j.ID,
			Function:       j.TargetFn,
			Input:          j.TargetArgs,
			Approved:       j.Approved,
			AuthContext:    j.AuthContext,
			RunContext:     j.RunContext,
			TimeoutSeconds: j.TimeoutSeconds,
		})
	}
	c.JSON(http.StatusOK, claimed)
}

// getJob returns a job, optionally long-polling for its result.
func (s *Server) getJob(c *gin.Context) {
	clusterID := c.Param("clusterId")
	jobID := c.Param("jobId")

	var job *models.Job
	var err error
	if wait := waitTime(c); wait > 0 {
		job, err = s.queue.WaitForResult(c.Request.Context(), clusterID, jobID, wait)
	} else {
		job, err = s.queue.GetJob(c.Request.Context(), clusterID, jobID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type submitResultRequest struct {
	Result     json.RawMessage      `json:"result"`
	ResultType models.JobResultType `json:"resultType" binding:"required"`
}

// submitJobResult finalizes a claimed job. Only the leaseholder may submit;
// a lost lease surfaces as 409.
func (s *Server) submitJobResult(c *gin.Context) {
	clusterID := c.Param("clusterId")
	info, ok := machineInfo(c, clusterID)
	if !ok {
		respondBadRequest(c, "X-Machine-ID header is required")
		return
	}

	var req submitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	switch req.ResultType {
	case models.ResultTypeResolution, models.ResultTypeRejection, models.ResultTypeInterrupt:
	default:
		respondBadRequest(c, "invalid resultType")
		return
	}

	job, err := s.queue.SubmitResult(c.Request.Context(), queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      c.Param("jobId"),
		MachineID:  info.MachineID,
		ResultType: req.ResultType,
		Result:     req.Result,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotOf(job))
}

// heartbeatJob extends the caller's lease on a running job.
func (s *Server) heartbeatJob(c *gin.Context) {
	clusterID := c.Param("clusterId")
	info, ok := machineInfo(c, clusterID)
	if !ok {
		respondBadRequest(c, "X-Machine-ID header is required")
		return
	}
	if err := s.queue.Heartbeat(c.Request.Context(), clusterID, c.Param("jobId"), info.MachineID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type approvalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// approveJob records a human decision on an interrupted job.
func (s *Server) approveJob(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	job, err := s.queue.Approve(c.Request.Context(), c.Param("clusterId"), c.Param("jobId"), *req.Approved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotOf(job))
}

func snapshotOf(job *models.Job) jobSnapshot {
	return jobSnapshot{
		ID:         job.ID,
		Status:     job.Status,
		Result:     job.Result,
		ResultType: job.ResultType,
	}
}

// waitTime parses the waitTime query parameter (seconds).
func waitTime(c *gin.Context) time.Duration {
	v := c.Query("waitTime")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
