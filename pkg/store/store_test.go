package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/store"
	testdb "github.com/agentplane/agentplane/test/database"
)

// newTestStore spins up an isolated schema and seeds one cluster.
func newTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	st, _ := testdb.NewTestStore(t)

	clusterID := uuid.NewString()
	err := st.CreateCluster(context.Background(), &models.Cluster{
		ID:         clusterID,
		Name:       "test-cluster",
		APIKeyHash: "unused",
	})
	require.NoError(t, err)
	return st, clusterID
}

func seedTool(t *testing.T, st *store.Store, clusterID, name string, config models.ToolConfig) {
	t.Helper()
	err := st.UpsertTool(context.Background(), &models.Tool{
		ClusterID: clusterID,
		Name:      name,
		Config:    config,
	})
	require.NoError(t, err)
}

func seedJob(t *testing.T, st *store.Store, clusterID, targetFn string, maxAttempts int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             uuid.NewString(),
		ClusterID:      clusterID,
		TargetFn:       targetFn,
		TargetArgs:     []byte(`{"x":1}`),
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: models.DefaultJobTimeoutSeconds,
	}
	require.NoError(t, st.InsertJob(context.Background(), job))
	return job
}

// expireLease rewinds a running job's lease so the reaper sees it as lapsed.
func expireLease(t *testing.T, st *store.Store, jobID string) {
	t.Helper()
	_, err := st.Pool().Exec(context.Background(),
		`UPDATE jobs SET lease_expires_at = now() - interval '1 second' WHERE id = $1`, jobID)
	require.NoError(t, err)
}
