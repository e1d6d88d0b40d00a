package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/registry"
)

type toolRegistrationRequest struct {
	Name        string            `json:"name" binding:"required"`
	Description *string           `json:"description"`
	Schema      json.RawMessage   `json:"schema"`
	Config      models.ToolConfig `json:"config"`
}

type registerMachineRequest struct {
	Tools []toolRegistrationRequest `json:"tools"`
}

// registerMachine announces a machine and the tools it serves. Requires
// machine identity headers; the same call refreshes liveness on redeploys.
func (s *Server) registerMachine(c *gin.Context) {
	clusterID := c.Param("clusterId")
	info, ok := machineInfo(c, clusterID)
	if !ok {
		respondBadRequest(c, "X-Machine-ID header is required")
		return
	}

	var req registerMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	if _, err := s.registry.RecordPing(c.Request.Context(), info); err != nil {
		respondError(c, err)
		return
	}

	regs := make([]registry.ToolRegistration, 0, len(req.Tools))
	for _, t := range req.Tools {
		regs = append(regs, registry.ToolRegistration{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
			Config:      t.Config,
		})
	}
	if err := s.registry.RegisterTools(c.Request.Context(), info, regs); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"clusterId": clusterID})
}

// listMachines returns the machines known to the cluster.
func (s *Server) listMachines(c *gin.Context) {
	machines, err := s.store.ListMachines(c.Request.Context(), c.Param("clusterId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machines)
}

// listTools returns the cluster's registered tools.
func (s *Server) listTools(c *gin.Context) {
	tools, err := s.store.ListTools(c.Request.Context(), c.Param("clusterId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tools)
}
