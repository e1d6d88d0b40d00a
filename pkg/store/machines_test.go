package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/store"
)

func TestUpsertMachineRecordsPing(t *testing.T) {
	st, clusterID := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMachine(ctx, &models.Machine{
		ClusterID:   clusterID,
		ID:          "machine-1",
		IP:          "10.0.0.5",
		SDKVersion:  "0.4.0",
		SDKLanguage: "typescript",
	}))

	first, err := st.GetMachine(ctx, clusterID, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusActive, first.Status)
	assert.Equal(t, "10.0.0.5", first.IP)

	// A later ping refreshes metadata in place.
	require.NoError(t, st.UpsertMachine(ctx, &models.Machine{
		ClusterID:   clusterID,
		ID:          "machine-1",
		IP:          "10.0.0.6",
		SDKVersion:  "0.5.0",
		SDKLanguage: "typescript",
	}))

	second, err := st.GetMachine(ctx, clusterID, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", second.IP)
	assert.Equal(t, "0.5.0", second.SDKVersion)
	assert.False(t, second.LastPingAt.Before(first.LastPingAt))

	machines, err := st.ListMachines(ctx, clusterID)
	require.NoError(t, err)
	assert.Len(t, machines, 1)
}

func TestGetMachineNotFound(t *testing.T) {
	st, clusterID := newTestStore(t)

	_, err := st.GetMachine(context.Background(), clusterID, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
