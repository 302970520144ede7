package dht

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
)

// SearchBatch is delivered to a SearchListener on every round and, with
// Done set, exactly once more when the search completes (spec §4.5).
type SearchBatch struct {
	NewNodes []krpc.Node
	NewPeers []dhtid.Endpoint
	Done     bool
}

// SearchListener observes a Search's progress.
type SearchListener func(SearchBatch)

// Search drives repeated FindIterate/GetIterate rounds, feeding
// previously-unqueried returned nodes back as the next seed set, until no
// outstanding frontier remains (spec §4.5 "complete live search").
type Search struct {
	it     *Iterator
	target *big.Int
	rpc    krpc.RPCType

	mu        sync.Mutex
	queried   map[string]struct{}
	listeners []SearchListener
	done      bool
}

// NewSearch constructs a Search for the given RPC kind (krpc.FindNode or
// krpc.GetPeers) and target.
func NewSearch(it *Iterator, rpc krpc.RPCType, target *big.Int) *Search {
	return &Search{it: it, target: target, rpc: rpc, queried: make(map[string]struct{})}
}

// Listen registers fn to observe every batch and the final completion
// notification. Calling Listen on an already-completed Search is a
// programming error and panics (spec §4.5).
func (s *Search) Listen(fn SearchListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		panic("dht: Listen called on a completed Search")
	}
	s.listeners = append(s.listeners, fn)
}

// Run drives the search to completion, returning the accumulated nodes and
// peers across every round.
func (s *Search) Run(ctx context.Context) ([]krpc.Node, []dhtid.Endpoint, error) {
	var allNodes []krpc.Node
	var allPeers []dhtid.Endpoint
	candidates := s.it.rt.Closest(s.target, s.it.k)

	for {
		frontier := s.frontier(candidates)
		if len(frontier) == 0 {
			break
		}
		s.markQueried(frontier)

		var nodes []krpc.Node
		var peers []dhtid.Endpoint
		var err error
		if s.rpc == krpc.GetPeers {
			nodes, peers, err = s.it.GetIterate(ctx, s.target, frontier)
		} else {
			nodes, err = s.it.FindIterate(ctx, s.target, frontier)
		}
		if err != nil {
			var iterErr *IterationError
			if errors.As(err, &iterErr) && iterErr.Reason == "all failed" {
				break // this frontier is exhausted; fold into completion
			}
			return nil, nil, err
		}

		allNodes = append(allNodes, nodes...)
		allPeers = append(allPeers, peers...)
		s.notify(SearchBatch{NewNodes: nodes, NewPeers: peers})

		candidates = toKBucketSeeds(nodes)
	}

	s.complete()
	return dedupeKRPCNodes(allNodes), dedupePeers(allPeers), nil
}

func (s *Search) frontier(candidates []*kbucket.Node) []*kbucket.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*kbucket.Node, 0, len(candidates))
	for _, n := range candidates {
		if _, ok := s.queried[n.ID.String()]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func (s *Search) markQueried(nodes []*kbucket.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.queried[n.ID.String()] = struct{}{}
	}
}

func (s *Search) notify(batch SearchBatch) {
	s.mu.Lock()
	listeners := append([]SearchListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(batch)
	}
}

func (s *Search) complete() {
	s.mu.Lock()
	s.done = true
	listeners := append([]SearchListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(SearchBatch{Done: true})
	}
}

func toKBucketSeeds(nodes []krpc.Node) []*kbucket.Node {
	out := make([]*kbucket.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, kbucket.NewNode(n.ID, n.Endpoint, nil))
	}
	return out
}
