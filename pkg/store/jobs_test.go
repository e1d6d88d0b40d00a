package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/store"
)

func TestInsertJobIdempotent(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 1)
	// Replaying the same id is a no-op.
	require.NoError(t, st.InsertJob(ctx, job))

	got, err := st.GetJob(ctx, clusterID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestGetJobNotFound(t *testing.T) {
	st, clusterID := newTestStore(t)

	_, err := st.GetJob(context.Background(), clusterID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimJobsExclusive(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 1)

	first, err := st.ClaimJobs(ctx, clusterID, "machine-1", []string{"getOrder"}, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, job.ID, first[0].ID)
	assert.Equal(t, models.JobStatusRunning, first[0].Status)
	assert.Equal(t, 1, first[0].Attempts)
	require.NotNil(t, first[0].ExecutingMachineID)
	assert.Equal(t, "machine-1", *first[0].ExecutingMachineID)
	assert.NotNil(t, first[0].LeaseExpiresAt)

	// A second claim finds nothing.
	second, err := st.ClaimJobs(ctx, clusterID, "machine-2", []string{"getOrder"}, 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimJobsRespectsLimitAndTargets(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, clusterID, "getOrder", 1)
	seedJob(t, st, clusterID, "getOrder", 1)
	seedJob(t, st, clusterID, "refund", 1)

	claimed, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)

	rest, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder", "refund"}, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestExtendJobLeaseRequiresLeaseholder(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 1)
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)

	assert.NoError(t, st.ExtendJobLease(ctx, clusterID, job.ID, "m1"))
	assert.ErrorIs(t, st.ExtendJobLease(ctx, clusterID, job.ID, "m2"), store.ErrConflict)
}

func TestCompleteJobGuards(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 1)
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)

	// A machine that never claimed the job cannot finish it.
	_, err = st.CompleteJob(ctx, clusterID, job.ID, "m2",
		models.JobStatusSuccess, models.ResultTypeResolution, []byte(`{"ok":true}`))
	assert.ErrorIs(t, err, store.ErrConflict)

	done, err := st.CompleteJob(ctx, clusterID, job.ID, "m1",
		models.JobStatusSuccess, models.ResultTypeResolution, []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	assert.Nil(t, done.LeaseExpiresAt)

	// A late duplicate submission is rejected.
	_, err = st.CompleteJob(ctx, clusterID, job.ID, "m1",
		models.JobStatusSuccess, models.ResultTypeResolution, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestReapExpiredLeasesRetriesThenFails(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 2)

	// First attempt stalls: retries remain, so the job goes back to pending.
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)
	expireLease(t, st, job.ID)

	reaped, err := st.ReapExpiredLeases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.True(t, reaped[0].Retried)
	assert.Equal(t, models.JobStatusPending, reaped[0].Job.Status)

	// Second attempt stalls too: the budget is spent, the job fails for good.
	_, err = st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)
	expireLease(t, st, job.ID)

	reaped, err = st.ReapExpiredLeases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.False(t, reaped[0].Retried)
	assert.Equal(t, models.JobStatusFailure, reaped[0].Job.Status)

	got, err := st.GetJob(ctx, clusterID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, got.Status)
	require.NotNil(t, got.ResultType)
	assert.Equal(t, models.ResultTypeRejection, *got.ResultType)
	// The row itself says why, not just the event log.
	assert.Contains(t, string(got.Result), "stalled")
}

func TestApproveJobFlow(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "refund", 1)
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"refund"}, 1)
	require.NoError(t, err)

	interrupted, err := st.InterruptJob(ctx, clusterID, job.ID, "m1",
		[]byte(`{"__inferable_interrupt":{"type":"approval"}}`), true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInterrupted, interrupted.Status)
	assert.True(t, interrupted.ApprovalRequested)

	approved, err := st.ApproveJob(ctx, clusterID, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, approved.Status)
	require.NotNil(t, approved.Approved)
	assert.True(t, *approved.Approved)
	assert.Empty(t, approved.Result)
	// Attempts carry over so the retry budget is not reset by approval.
	assert.Equal(t, 1, approved.Attempts)

	// The decision is single-shot.
	_, err = st.ApproveJob(ctx, clusterID, job.ID, false)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestDenyJob(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "refund", 1)
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"refund"}, 1)
	require.NoError(t, err)
	_, err = st.InterruptJob(ctx, clusterID, job.ID, "m1", []byte(`{}`), true)
	require.NoError(t, err)

	denied, err := st.ApproveJob(ctx, clusterID, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, denied.Status)
	require.NotNil(t, denied.ResultType)
	assert.Equal(t, models.ResultTypeRejection, *denied.ResultType)
}

func TestFindCachedResult(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	cacheKey := "getOrder:cache-key-1"
	job := seedJob(t, st, clusterID, "getOrder", 1)
	_, err := st.Pool().Exec(ctx, `UPDATE jobs SET cache_key = $1 WHERE id = $2`, cacheKey, job.ID)
	require.NoError(t, err)

	// Pending rows never serve the cache.
	_, err = st.FindCachedResult(ctx, clusterID, cacheKey, 3600)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, clusterID, job.ID, "m1",
		models.JobStatusSuccess, models.ResultTypeResolution, []byte(`{"total":5}`))
	require.NoError(t, err)

	hit, err := st.FindCachedResult(ctx, clusterID, cacheKey, 3600)
	require.NoError(t, err)
	assert.Equal(t, job.ID, hit.ID)

	// An exhausted TTL misses.
	_, err = st.FindCachedResult(ctx, clusterID, cacheKey, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountOutstandingJobs(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	runID := "run-outstanding"
	_, err := st.CreateRun(ctx, &models.Run{ID: runID, ClusterID: clusterID, Type: models.RunTypeMultiStep})
	require.NoError(t, err)

	job := seedJob(t, st, clusterID, "getOrder", 1)
	_, err = st.Pool().Exec(ctx, `UPDATE jobs SET run_id = $1 WHERE id = $2`, runID, job.ID)
	require.NoError(t, err)

	n, err := st.CountOutstandingJobs(ctx, clusterID, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, clusterID, job.ID, "m1",
		models.JobStatusSuccess, models.ResultTypeResolution, nil)
	require.NoError(t, err)

	n, err = st.CountOutstandingJobs(ctx, clusterID, runID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverOrphanedJobs(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, st, clusterID, "getOrder", 1)
	_, err := st.ClaimJobs(ctx, clusterID, "m1", []string{"getOrder"}, 1)
	require.NoError(t, err)

	n, err := st.RecoverOrphanedJobs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := st.GetJob(ctx, clusterID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.ExecutingMachineID)
}
