package dht

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodedht/mdht/internal/fakenet"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
)

// chainNetwork builds three nodes A -> B -> C, where A only knows B and B
// only knows C, so a multi-round search is required for A to learn about
// the target reachable only via C.
func chainNetwork(t *testing.T) (a, b, c *testNode, target *big.Int) {
	network := fakenet.NewNetwork()
	a = spawnTestNode(t, network, 1, 4301)
	b = spawnTestNode(t, network, 2, 4302)
	c = spawnTestNode(t, network, 3, 4303)

	target = big.NewInt(77)
	targetEp := fakenet.LoopbackEndpoint(4304)

	require.True(t, a.server.RoutingTable().OfferNode(kbucket.NewNode(b.id, fakenet.LoopbackEndpoint(4302), nil)))
	require.True(t, b.server.RoutingTable().OfferNode(kbucket.NewNode(c.id, fakenet.LoopbackEndpoint(4303), nil)))
	require.True(t, c.server.RoutingTable().OfferNode(kbucket.NewNode(target, targetEp, nil)))
	return a, b, c, target
}

func TestSearchFindsTargetAcrossMultipleRounds(t *testing.T) {
	a, _, _, target := chainNetwork(t)

	s := a.server.Search(krpc.FindNode, target)

	var batches []SearchBatch
	s.Listen(func(b SearchBatch) { batches = append(batches, b) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nodes, _, err := s.Run(ctx)
	require.NoError(t, err)

	found := false
	for _, n := range nodes {
		if n.ID.Cmp(target) == 0 {
			found = true
		}
	}
	assert.True(t, found, "expected the multi-round search to discover the target via B and C")
	require.NotEmpty(t, batches)
	assert.True(t, batches[len(batches)-1].Done)
}

func TestSearchListenAfterCompletionPanics(t *testing.T) {
	a, _, _, target := chainNetwork(t)
	s := a.server.Search(krpc.FindNode, target)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Panics(t, func() {
		s.Listen(func(SearchBatch) {})
	})
}
