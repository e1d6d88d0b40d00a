package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/models"
)

type createClusterRequest struct {
	Name                     string  `json:"name" binding:"required"`
	Description              string  `json:"description"`
	AdditionalContext        *string `json:"additionalContext"`
	EnableCustomAuth         bool    `json:"enableCustomAuth"`
	HandleCustomAuthFunction *string `json:"handleCustomAuthFunction"`
	IsDemo                   bool    `json:"isDemo"`
}

type createClusterResponse struct {
	ID string `json:"id"`
	// APIKey is returned exactly once; only its hash is stored.
	APIKey string `json:"apiKey"`
}

// createCluster provisions a new cluster and mints its API key.
func (s *Server) createCluster(c *gin.Context) {
	var req createClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	apiKey, hash, err := mintAPIKey()
	if err != nil {
		respondError(c, err)
		return
	}

	cluster := &models.Cluster{
		ID:                       uuid.NewString(),
		Name:                     req.Name,
		Description:              req.Description,
		AdditionalContext:        req.AdditionalContext,
		EnableCustomAuth:         req.EnableCustomAuth,
		HandleCustomAuthFunction: req.HandleCustomAuthFunction,
		IsDemo:                   req.IsDemo,
		APIKeyHash:               hash,
	}
	if err := s.store.CreateCluster(c.Request.Context(), cluster); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createClusterResponse{ID: cluster.ID, APIKey: apiKey})
}

// getCluster returns cluster details. The key hash never leaves the store.
func (s *Server) getCluster(c *gin.Context) {
	cluster, err := s.store.GetCluster(c.Request.Context(), c.Param("clusterId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// mintAPIKey generates a bearer key and the hash stored for verification.
func mintAPIKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = "sk_" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(key))
	return key, hex.EncodeToString(sum[:]), nil
}
