package dht

import (
	"context"
	"math/big"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
	"github.com/nodedht/mdht/transaction"
)

// IterationError reports why a lookup round produced nothing (spec §4.5).
type IterationError struct {
	Reason string
	Cause  error
}

func (e *IterationError) Error() string { return "iteration: " + e.Reason }
func (e *IterationError) Unwrap() error { return e.Cause }

// Iterator mounts one fan-out round of outbound queries to expand
// knowledge of the keyspace around a target (spec C4b).
type Iterator struct {
	selfID *big.Int
	rt     *kbucket.RoutingTable
	engine *transaction.Engine
	k      int
}

// NewIterator constructs an Iterator. k <= 0 defaults to kbucket.DefaultK.
func NewIterator(selfID *big.Int, rt *kbucket.RoutingTable, engine *transaction.Engine, k int) *Iterator {
	if k <= 0 {
		k = kbucket.DefaultK
	}
	return &Iterator{selfID: selfID, rt: rt, engine: engine, k: k}
}

// FindIterate performs one round of find_node against the seed set,
// returning the union of newly learned nodes. A nil seeds argument falls
// back to routing_table.closest(target, k).
func (it *Iterator) FindIterate(ctx context.Context, target *big.Int, seeds []*kbucket.Node) ([]krpc.Node, error) {
	nodes, _, err := it.iterate(ctx, krpc.FindNode, target, seeds)
	return nodes, err
}

// GetIterate performs one round of get_peers, returning both newly
// learned nodes and any peers reported for target.
func (it *Iterator) GetIterate(ctx context.Context, target *big.Int, seeds []*kbucket.Node) ([]krpc.Node, []dhtid.Endpoint, error) {
	return it.iterate(ctx, krpc.GetPeers, target, seeds)
}

type iterOutcome struct {
	resp *krpc.Response
	err  error
}

func (it *Iterator) iterate(ctx context.Context, rpc krpc.RPCType, target *big.Int, seeds []*kbucket.Node) ([]krpc.Node, []dhtid.Endpoint, error) {
	if len(seeds) == 0 {
		seeds = it.rt.Closest(target, it.k)
	}
	if len(seeds) == 0 {
		return nil, nil, &IterationError{Reason: "no seeds"}
	}
	seeds = dedupeByID(seeds)

	outcomes := make([]iterOutcome, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			var q *krpc.Query
			switch rpc {
			case krpc.GetPeers:
				q = krpc.NewGetPeersQuery(it.selfID, target)
			default:
				q = krpc.NewFindNodeQuery(it.selfID, target)
			}
			resp, err := it.engine.SendQuery(gctx, q, seed.Endpoint)
			outcomes[i] = iterOutcome{resp: resp, err: err}
			return nil // a single query's failure never cancels the round
		})
	}
	_ = g.Wait()

	var failures error
	var newNodes []krpc.Node
	var newPeers []dhtid.Endpoint
	anySucceeded := false
	for _, o := range outcomes {
		if o.err != nil {
			failures = multierr.Append(failures, o.err)
			continue
		}
		anySucceeded = true
		newNodes = append(newNodes, o.resp.Nodes...)
		newPeers = append(newPeers, o.resp.Peers...)
	}
	if !anySucceeded {
		return nil, nil, &IterationError{Reason: "all failed", Cause: failures}
	}
	return dedupeKRPCNodes(newNodes), dedupePeers(newPeers), nil
}

func dedupeByID(nodes []*kbucket.Node) []*kbucket.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]*kbucket.Node, 0, len(nodes))
	for _, n := range nodes {
		key := n.ID.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

func dedupeKRPCNodes(nodes []krpc.Node) []krpc.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]krpc.Node, 0, len(nodes))
	for _, n := range nodes {
		key := n.ID.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

func dedupePeers(peers []dhtid.Endpoint) []dhtid.Endpoint {
	seen := make(map[string]struct{}, len(peers))
	out := make([]dhtid.Endpoint, 0, len(peers))
	for _, p := range peers {
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
