package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
)

// Context keys set by the auth middleware.
const (
	ctxKeyMaster      = "auth.master"
	ctxKeyAuthContext = "auth.context"
)

// runPathPattern exempts run endpoints from the CORS origin allowlist so
// browser-based chat UIs can talk to runs directly.
var runPathPattern = regexp.MustCompile(`^/clusters/[^/]+/runs`)

// corsMiddleware applies the origin allowlist, with the run-path exemption.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed[origin] || runPathPattern.MatchString(c.Request.URL.Path)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Machine-ID, X-Machine-SDK-Version, X-Machine-SDK-Language")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireMaster admits only the management secret.
func (s *Server) requireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token := parseAuthorization(c)
		if scheme != "bearer" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxKeyMaster, true)
		c.Next()
	}
}

// requireCluster authenticates requests scoped to a cluster. Three tokens are
// accepted: the management secret, the cluster's own API key, and, when the
// cluster enables it, an end-user token verified by the cluster's custom auth
// function. The custom path attaches the verifier's result as the caller's
// auth context.
func (s *Server) requireCluster() gin.HandlerFunc {
	return func(c *gin.Context) {
		clusterID := c.Param("clusterId")
		scheme, token := parseAuthorization(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		switch scheme {
		case "bearer":
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) == 1 {
				c.Set(ctxKeyMaster, true)
				c.Next()
				return
			}
			cluster, err := s.store.GetCluster(c.Request.Context(), clusterID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			sum := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(cluster.APIKeyHash)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		case "custom":
			authCtx, ok := s.verifyCustomToken(c, clusterID, token)
			if !ok {
				return
			}
			c.Set(ctxKeyAuthContext, authCtx)
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unsupported authorization scheme"})
		}
	}
}

// verifyCustomToken dispatches the cluster's custom auth function with the
// presented token and waits for its verdict. On failure the request is
// aborted and ok is false.
func (s *Server) verifyCustomToken(c *gin.Context, clusterID, token string) (json.RawMessage, bool) {
	cluster, err := s.store.GetCluster(c.Request.Context(), clusterID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	if !cluster.EnableCustomAuth || cluster.HandleCustomAuthFunction == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "custom auth is not enabled for this cluster"})
		return nil, false
	}

	args, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return nil, false
	}
	created, err := s.queue.CreateJob(c.Request.Context(), queue.CreateJobParams{
		ClusterID:  clusterID,
		TargetFn:   *cluster.HandleCustomAuthFunction,
		TargetArgs: args,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "custom auth verification failed"})
		return nil, false
	}

	job := waitForAuthJob(c, s, clusterID, created)
	if job == nil || job.Status != models.JobStatusSuccess {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "custom auth verification failed"})
		return nil, false
	}
	return job.Result, true
}

func waitForAuthJob(c *gin.Context, s *Server, clusterID string, created *queue.CreateJobResult) *models.Job {
	if created.Cached {
		return &models.Job{ID: created.ID, Status: created.Status, Result: created.Result}
	}
	job, err := s.queue.WaitForResult(c.Request.Context(), clusterID, created.ID, s.authWait)
	if err != nil {
		return nil
	}
	return job
}

// authContext returns the caller's auth context, nil for key-authenticated
// callers.
func authContext(c *gin.Context) json.RawMessage {
	if v, ok := c.Get(ctxKeyAuthContext); ok {
		if raw, ok := v.(json.RawMessage); ok {
			return raw
		}
	}
	return nil
}

// isMaster reports whether the caller authenticated with the management secret.
func isMaster(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyMaster)
	return ok && v == true
}

// machineInfo assembles machine identity from the request headers.
func machineInfo(c *gin.Context, clusterID string) (registry.MachineInfo, bool) {
	id := c.GetHeader("X-Machine-ID")
	if id == "" {
		return registry.MachineInfo{}, false
	}
	return registry.MachineInfo{
		ClusterID:   clusterID,
		MachineID:   id,
		IP:          c.ClientIP(),
		SDKVersion:  c.GetHeader("X-Machine-SDK-Version"),
		SDKLanguage: c.GetHeader("X-Machine-SDK-Language"),
	}, true
}

func parseAuthorization(c *gin.Context) (scheme, token string) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.ToLower(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1])
}
