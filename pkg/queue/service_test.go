package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
	testdb "github.com/agentplane/agentplane/test/database"
)

func newQueue(t *testing.T) (*queue.Service, *store.Store, string) {
	t.Helper()
	st, _ := testdb.NewTestStore(t)

	clusterID := "cluster-" + t.Name()
	require.NoError(t, st.CreateCluster(context.Background(), &models.Cluster{
		ID: clusterID, Name: "queue-test", APIKeyHash: "unused",
	}))

	hub := events.NewHub()
	pub := events.NewPublisher(hub, nil)
	reg := registry.New(st, time.Minute)
	cfg := config.QueueConfig{
		LongPollFallbackInterval: 25 * time.Millisecond,
		MaxLongPollWait:          5 * time.Second,
		ReaperInterval:           time.Second,
		MachineUpsertWindow:      time.Minute,
	}
	return queue.NewService(st, reg, pub, hub, cfg, nil), st, clusterID
}

func registerTool(t *testing.T, st *store.Store, clusterID, name string, config models.ToolConfig) {
	t.Helper()
	require.NoError(t, st.UpsertTool(context.Background(), &models.Tool{
		ClusterID: clusterID,
		Name:      name,
		Config:    config,
	}))
}

func machine(clusterID, machineID string) registry.MachineInfo {
	return registry.MachineInfo{ClusterID: clusterID, MachineID: machineID, SDKLanguage: "go"}
}

func TestCreateJobUnknownTool(t *testing.T) {
	svc, _, clusterID := newQueue(t)

	_, err := svc.CreateJob(context.Background(), queue.CreateJobParams{
		ClusterID: clusterID,
		TargetFn:  "nosuchtool",
	})
	assert.ErrorIs(t, err, queue.ErrToolNotFound)
}

func TestJobRoundTrip(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "getOrder", models.ToolConfig{})

	created, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:  clusterID,
		TargetFn:   "getOrder",
		TargetArgs: json.RawMessage(`{"orderId":"o-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, created.Status)
	assert.False(t, created.Cached)

	claimed, err := svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"),
		Tools:   []string{"getOrder"},
		Limit:   5,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, created.ID, claimed[0].ID)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(claimed[0].TargetArgs))

	done, err := svc.SubmitResult(ctx, queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      created.ID,
		MachineID:  "m1",
		ResultType: models.ResultTypeResolution,
		Result:     json.RawMessage(`{"total":42}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, done.Status)

	got, err := svc.WaitForResult(ctx, clusterID, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.JSONEq(t, `{"total":42}`, string(got.Result))
}

func TestWaitForResultWakesOnSubmission(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "slowtool", models.ToolConfig{})

	created, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID: clusterID, TargetFn: "slowtool",
	})
	require.NoError(t, err)

	_, err = svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"), Tools: []string{"slowtool"}, Limit: 1,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.SubmitResult(ctx, queue.SubmitResultParams{
			ClusterID:  clusterID,
			JobID:      created.ID,
			MachineID:  "m1",
			ResultType: models.ResultTypeResolution,
			Result:     json.RawMessage(`"ok"`),
		})
	}()

	start := time.Now()
	got, err := svc.WaitForResult(ctx, clusterID, created.ID, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollBlocksUntilJobArrives(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "latetool", models.ToolConfig{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.CreateJob(ctx, queue.CreateJobParams{
			ClusterID: clusterID, TargetFn: "latetool",
		})
	}()

	claimed, err := svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"),
		Tools:   []string{"latetool"},
		Limit:   1,
		Wait:    3 * time.Second,
	})
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestCreateJobServesCachedResult(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "lookup", models.ToolConfig{
		Cache: &models.ToolCacheConfig{KeyPath: "orderId", TTLSeconds: 3600},
	})

	created, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:  clusterID,
		TargetFn:   "lookup",
		TargetArgs: json.RawMessage(`{"orderId":"o-7"}`),
	})
	require.NoError(t, err)

	_, err = svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"), Tools: []string{"lookup"}, Limit: 1,
	})
	require.NoError(t, err)
	_, err = svc.SubmitResult(ctx, queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      created.ID,
		MachineID:  "m1",
		ResultType: models.ResultTypeResolution,
		Result:     json.RawMessage(`{"total":7}`),
	})
	require.NoError(t, err)

	// Same cache key: the stored result is served without a new job.
	hit, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:  clusterID,
		TargetFn:   "lookup",
		TargetArgs: json.RawMessage(`{"orderId":"o-7","noise":true}`),
	})
	require.NoError(t, err)
	assert.True(t, hit.Cached)
	assert.Equal(t, created.ID, hit.ID)
	assert.JSONEq(t, `{"total":7}`, string(hit.Result))

	// A different key enqueues normally.
	miss, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:  clusterID,
		TargetFn:   "lookup",
		TargetArgs: json.RawMessage(`{"orderId":"o-8"}`),
	})
	require.NoError(t, err)
	assert.False(t, miss.Cached)
}

func TestInterruptApprovalRequeues(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "refund", models.ToolConfig{})

	created, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID: clusterID, TargetFn: "refund",
	})
	require.NoError(t, err)
	_, err = svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"), Tools: []string{"refund"}, Limit: 1,
	})
	require.NoError(t, err)

	interrupted, err := svc.SubmitResult(ctx, queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      created.ID,
		MachineID:  "m1",
		ResultType: models.ResultTypeInterrupt,
		Result:     json.RawMessage(`{"__inferable_interrupt":{"type":"approval"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInterrupted, interrupted.Status)
	assert.True(t, interrupted.ApprovalRequested)

	approved, err := svc.Approve(ctx, clusterID, created.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, approved.Status)

	claimed, err := svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"), Tools: []string{"refund"}, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].Approved)
	assert.True(t, *claimed[0].Approved)

	done, err := svc.SubmitResult(ctx, queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      created.ID,
		MachineID:  "m1",
		ResultType: models.ResultTypeResolution,
		Result:     json.RawMessage(`"refunded"`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, done.Status)
}

func TestApprovalDenialFailsJob(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()
	registerTool(t, st, clusterID, "refund", models.ToolConfig{})

	created, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID: clusterID, TargetFn: "refund",
	})
	require.NoError(t, err)
	_, err = svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m1"), Tools: []string{"refund"}, Limit: 1,
	})
	require.NoError(t, err)
	_, err = svc.SubmitResult(ctx, queue.SubmitResultParams{
		ClusterID:  clusterID,
		JobID:      created.ID,
		MachineID:  "m1",
		ResultType: models.ResultTypeInterrupt,
		Result:     json.RawMessage(`{"__inferable_interrupt":{"type":"approval"}}`),
	})
	require.NoError(t, err)

	denied, err := svc.Approve(ctx, clusterID, created.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, denied.Status)
	require.NotNil(t, denied.ResultType)
	assert.Equal(t, models.ResultTypeRejection, *denied.ResultType)
}

func TestPrivateToolServedOnlyToRegistrant(t *testing.T) {
	svc, st, clusterID := newQueue(t)
	ctx := context.Background()

	private := true
	owner := "m-owner"
	require.NoError(t, st.UpsertTool(ctx, &models.Tool{
		ClusterID: clusterID,
		Name:      "internalstep",
		Config:    models.ToolConfig{Private: &private},
		MachineID: &owner,
	}))

	_, err := svc.CreateJob(ctx, queue.CreateJobParams{
		ClusterID: clusterID, TargetFn: "internalstep",
	})
	require.NoError(t, err)

	stranger, err := svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, "m-other"), Tools: []string{"internalstep"}, Limit: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, stranger)

	claimed, err := svc.Poll(ctx, queue.PollParams{
		Machine: machine(clusterID, owner), Tools: []string{"internalstep"}, Limit: 1,
	})
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}
