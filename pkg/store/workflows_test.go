package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/store"
)

func TestCreateWorkflowExecutionFirstWriteWins(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	stored, created, err := st.CreateWorkflowExecution(ctx, &models.WorkflowExecution{
		ClusterID:    clusterID,
		WorkflowName: "triage",
		Version:      2,
		ExecutionID:  "exec-1",
		JobID:        "job-exec-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, stored.Version)

	// A replay keeps the originally pinned version and job.
	stored, created, err = st.CreateWorkflowExecution(ctx, &models.WorkflowExecution{
		ClusterID:    clusterID,
		WorkflowName: "triage",
		Version:      3,
		ExecutionID:  "exec-1",
		JobID:        "job-other",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, "job-exec-1", stored.JobID)
}

func TestGetWorkflowExecutionByID(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.CreateWorkflowExecution(ctx, &models.WorkflowExecution{
		ClusterID:    clusterID,
		WorkflowName: "triage",
		Version:      1,
		ExecutionID:  "exec-2",
		JobID:        "job-exec-2",
	})
	require.NoError(t, err)

	got, err := st.GetWorkflowExecutionByID(ctx, clusterID, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, "triage", got.WorkflowName)

	_, err = st.GetWorkflowExecutionByID(ctx, clusterID, "exec-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetJobForRetrigger(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "workflowhandler", 1)

	// Pending and running jobs are not eligible for a re-trigger.
	assert.ErrorIs(t, st.ResetJobForRetrigger(ctx, clusterID, job.ID), store.ErrConflict)

	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"workflowhandler"}, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, st.ResetJobForRetrigger(ctx, clusterID, job.ID), store.ErrConflict)

	_, err = st.CompleteJob(ctx, clusterID, job.ID, "m1",
		models.JobStatusFailure, models.ResultTypeRejection, []byte(`{"error":"boom"}`))
	require.NoError(t, err)

	require.NoError(t, st.ResetJobForRetrigger(ctx, clusterID, job.ID))

	got, err := st.GetJob(ctx, clusterID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ResultType)
	assert.Empty(t, got.Result)
	assert.Nil(t, got.ExecutingMachineID)
}
