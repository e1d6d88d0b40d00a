// Package api exposes the control plane over HTTP: cluster management,
// machine polling, the job queue, agent runs, workflow executions and the
// audit log. Authentication is bearer-token based with an optional
// cluster-defined custom auth hook for end users.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/agent"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/database"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/workflow"
)

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	store    *store.Store
	registry *registry.Registry
	queue    *queue.Service
	engine   *agent.Engine
	workflow *workflow.Service
	hub      *events.Hub

	// authWait bounds how long a custom auth verification job may take.
	authWait time.Duration
}

// NewServer wires the API server.
func NewServer(cfg *config.Config, db *database.Client, st *store.Store,
	reg *registry.Registry, q *queue.Service, eng *agent.Engine,
	wf *workflow.Service, hub *events.Hub) *Server {

	return &Server{
		cfg:      cfg,
		db:       db,
		store:    st,
		registry: reg,
		queue:    q,
		engine:   eng,
		workflow: wf,
		hub:      hub,
		authWait: 10 * time.Second,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	r.GET("/health", s.health)
	r.GET("/live", s.live)

	r.POST("/clusters", s.requireMaster(), s.createCluster)

	cluster := r.Group("/clusters/:clusterId", s.requireCluster())
	{
		cluster.GET("", s.getCluster)

		cluster.POST("/machines", s.registerMachine)
		cluster.GET("/machines", s.listMachines)
		cluster.GET("/tools", s.listTools)

		cluster.POST("/jobs", s.createJob)
		cluster.GET("/jobs", s.pollJobs)
		cluster.GET("/jobs/:jobId", s.getJob)
		cluster.POST("/jobs/:jobId/result", s.submitJobResult)
		cluster.POST("/jobs/:jobId/heartbeat", s.heartbeatJob)
		cluster.POST("/jobs/:jobId/approval", s.approveJob)

		cluster.POST("/runs", s.createRun)
		cluster.GET("/runs", s.listRuns)
		cluster.GET("/runs/:runId", s.getRun)
		cluster.POST("/runs/:runId/feedback", s.setRunFeedback)
		cluster.GET("/runs/:runId/messages", s.listRunMessages)
		cluster.POST("/runs/:runId/messages", s.postRunMessage)
		cluster.GET("/runs/:runId/blobs", s.listRunBlobs)

		cluster.POST("/workflows/:workflowName/executions", s.createWorkflowExecution)
		cluster.GET("/workflows/:workflowName/executions/:executionId", s.getWorkflowExecution)

		cluster.PUT("/keys/:key", s.setKey)
		cluster.GET("/keys/:key", s.getKey)

		cluster.GET("/events", s.listEvents)

		cluster.POST("/blobs", s.createBlob)
		cluster.GET("/blobs/:blobId", s.getBlob)
	}

	return r
}
