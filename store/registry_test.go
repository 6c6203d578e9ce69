package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/argus-qa/test-dispatcher/types"
)

func makeNode(id string) types.NodeInfo {
	now := time.Now()
	return types.NodeInfo{
		NodeID:     id,
		Hostname:   "host-" + id,
		IP:         "10.0.0.1",
		Status:     types.NodeStatusIdle,
		StartedAt:  now,
		LastUpdate: now,
	}
}

func TestRegistryRegisterAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ra := NewRegistry(s, makeNode("node-a"))
	rb := NewRegistry(s, makeNode("node-b"))
	require.NoError(t, ra.Register(ctx))
	require.NoError(t, rb.Register(ctx))

	nodes, err := ActiveNodes(ctx, s)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	ids := map[string]bool{}
	for _, n := range nodes {
		ids[n.NodeID] = true
	}
	require.True(t, ids["node-a"])
	require.True(t, ids["node-b"])
}

func TestRegistryEntryExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	r := NewRegistry(s, makeNode("node-a"))
	require.NoError(t, r.Register(ctx))

	// A node that stops heartbeating falls out of the registry once its
	// TTL lapses, with no cleanup required from anyone else.
	mr.FastForward(NodeTTL + time.Second)

	nodes, err := ActiveNodes(ctx, s)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestRegistryHeartbeatKeepsEntryAlive(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	r := NewRegistry(s, makeNode("node-a"))
	require.NoError(t, r.Register(ctx))

	// Refresh resets the TTL, so repeated near-expiry survives.
	mr.FastForward(NodeTTL - time.Second)
	require.NoError(t, r.Register(ctx))
	mr.FastForward(NodeTTL - time.Second)

	nodes, err := ActiveNodes(ctx, s)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestRegistryUpdateStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r := NewRegistry(s, makeNode("node-a"))
	require.NoError(t, r.Register(ctx))

	require.NoError(t, r.UpdateStatus(ctx, func(n *types.NodeInfo) {
		n.Status = types.NodeStatusRunning
		n.CurrentTask = "abc123"
		n.TestsExecuted++
	}))

	nodes, err := ActiveNodes(ctx, s)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, types.NodeStatusRunning, nodes[0].Status)
	require.Equal(t, "abc123", nodes[0].CurrentTask)
	require.Equal(t, 1, nodes[0].TestsExecuted)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r := NewRegistry(s, makeNode("node-a"))
	require.NoError(t, r.Register(ctx))
	require.NoError(t, r.Unregister(ctx))
	require.NoError(t, r.Unregister(ctx))

	nodes, err := ActiveNodes(ctx, s)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestRegistryStopHeartbeatTwice(t *testing.T) {
	s, _ := newTestStore(t)
	r := NewRegistry(s, makeNode("node-a"))
	r.StartHeartbeat(context.Background(), 10*time.Millisecond)
	r.StopHeartbeat()
	r.StopHeartbeat()
}
