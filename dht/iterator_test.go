package dht

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodedht/mdht/internal/fakenet"
	"github.com/nodedht/mdht/kbucket"
)

// testNode wires a full dht.Server over a shared fakenet.Network, so
// iterator/search tests can exercise real find_node/get_peers round trips.
type testNode struct {
	server *Server
	id     *big.Int
}

func spawnTestNode(t *testing.T, network *fakenet.Network, id int64, port int) *testNode {
	t.Helper()
	selfID := big.NewInt(id)
	ep := fakenet.LoopbackEndpoint(port)
	conn := network.Listen(ep)
	cfg := DefaultConfig()
	srv := New(selfID, conn, cfg, clock.New())
	go srv.Serve(context.Background())
	t.Cleanup(func() { _ = srv.Close() })
	return &testNode{server: srv, id: selfID}
}

func TestIteratorFindIterateDiscoversNodesAcrossASeed(t *testing.T) {
	network := fakenet.NewNetwork()
	target := big.NewInt(999)

	hub := spawnTestNode(t, network, 1, 4001)
	leaf := spawnTestNode(t, network, 2, 4002)

	// Seed the leaf's routing table with the target, so a find_iterate
	// run by the hub with the leaf as its seed surfaces the target through
	// the leaf's own response.
	leafEp := fakenet.LoopbackEndpoint(4002)
	targetEp := fakenet.LoopbackEndpoint(4003)

	require.True(t, leaf.server.RoutingTable().OfferNode(kbucket.NewNode(target, targetEp, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seeds := []*kbucket.Node{kbucket.NewNode(big.NewInt(2), leafEp, nil)}
	nodes, err := hub.server.FindIterate(ctx, target, seeds)
	require.NoError(t, err)

	found := false
	for _, n := range nodes {
		if n.ID.Cmp(target) == 0 {
			found = true
		}
	}
	assert.True(t, found, "expected find_iterate to surface the target via the seeded leaf")
}

func TestIteratorReturnsIterationErrorWhenNoSeedsAndEmptyTable(t *testing.T) {
	network := fakenet.NewNetwork()
	hub := spawnTestNode(t, network, 1, 4101)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := hub.server.FindIterate(ctx, big.NewInt(123), nil)
	require.Error(t, err)

	var iterErr *IterationError
	require.ErrorAs(t, err, &iterErr)
	assert.Equal(t, "no seeds", iterErr.Reason)
}

func TestIteratorAllFailedWhenSeedsUnreachable(t *testing.T) {
	network := fakenet.NewNetwork()
	hub := spawnTestNode(t, network, 1, 4201)

	deadEp := fakenet.LoopbackEndpoint(4202) // never registered
	seeds := []*kbucket.Node{kbucket.NewNode(big.NewInt(2), deadEp, nil)}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := hub.server.FindIterate(ctx, big.NewInt(123), seeds)
	require.Error(t, err)

	var iterErr *IterationError
	require.ErrorAs(t, err, &iterErr)
	assert.Equal(t, "all failed", iterErr.Reason)
}
