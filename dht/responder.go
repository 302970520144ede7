// Package dht assembles the responder and iterative-lookup layer (C4) on
// top of the routing table (C2) and transaction engine (C3): the token
// authority, peer store, inbound query dispatch, and the public
// caller-facing API of a Mainline DHT node.
package dht

import (
	"math/big"

	logging "github.com/ipfs/go-log"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
)

var log = logging.Logger("dht")

// Replier is the subset of *transaction.Engine a Responder needs in order
// to answer an inbound Query on the same socket it arrived on.
type Replier interface {
	Reply(resp *krpc.Response, to dhtid.Endpoint) error
	ReplyError(kerr *krpc.Error, to dhtid.Endpoint) error
}

// Responder dispatches the four RPC kinds against the routing table, peer
// store, and token authority (spec C4a / §4.4).
type Responder struct {
	selfID  *big.Int
	rt      *kbucket.RoutingTable
	peers   *PeerStore
	tokens  *TokenAuthority
	replier Replier
	k       int
}

// NewResponder constructs a Responder. k <= 0 defaults to kbucket.DefaultK.
func NewResponder(selfID *big.Int, rt *kbucket.RoutingTable, peers *PeerStore, tokens *TokenAuthority, replier Replier, k int) *Responder {
	if k <= 0 {
		k = kbucket.DefaultK
	}
	return &Responder{selfID: selfID, rt: rt, peers: peers, tokens: tokens, replier: replier, k: k}
}

// HandleQuery implements transaction.QueryHandler.
func (r *Responder) HandleQuery(q *krpc.Query, from dhtid.Endpoint) {
	switch q.Type {
	case krpc.Ping:
		r.handlePing(q, from)
	case krpc.FindNode:
		r.handleFindNode(q, from)
	case krpc.GetPeers:
		r.handleGetPeers(q, from)
	case krpc.AnnouncePeer:
		r.handleAnnouncePeer(q, from)
	default:
		log.Warnf("dropping query of unknown type %q from %s", q.Type, from)
	}
}

func (r *Responder) handlePing(q *krpc.Query, from dhtid.Endpoint) {
	resp := q.BuildResponse(r.selfID, nil, nil, nil)
	if err := r.replier.Reply(resp, from); err != nil {
		log.Debugf("ping reply to %s failed: %v", from, err)
	}
}

func (r *Responder) handleFindNode(q *krpc.Query, from dhtid.Endpoint) {
	var nodes []krpc.Node
	if target := r.rt.GetNode(q.Target); target != nil {
		nodes = []krpc.Node{{ID: target.ID, Endpoint: target.Endpoint}}
	} else {
		nodes = toKRPCNodes(r.rt.Closest(q.Target, r.k))
	}
	resp := q.BuildResponse(r.selfID, nodes, nil, nil)
	if err := r.replier.Reply(resp, from); err != nil {
		log.Debugf("find_node reply to %s failed: %v", from, err)
	}
}

func (r *Responder) handleGetPeers(q *krpc.Query, from dhtid.Endpoint) {
	var nodes []krpc.Node
	var peers []dhtid.Endpoint
	if known := r.peers.Get(q.InfoHash); len(known) > 0 {
		peers = known
	} else {
		nodes = toKRPCNodes(r.rt.Closest(q.InfoHash, r.k))
	}
	token := r.tokens.Generate(q.From, q.InfoHash, from)
	resp := q.BuildResponse(r.selfID, nodes, peers, token)
	if err := r.replier.Reply(resp, from); err != nil {
		log.Debugf("get_peers reply to %s failed: %v", from, err)
	}
}

func (r *Responder) handleAnnouncePeer(q *krpc.Query, from dhtid.Endpoint) {
	if !r.tokens.Verify(q.From, q.InfoHash, from, q.Token) {
		log.Warnf("rejecting announce_peer from %s: invalid token", from)
		return
	}
	peerEndpoint, err := dhtid.NewEndpoint(from.IP, q.Port)
	if err != nil {
		log.Warnf("rejecting announce_peer from %s: bad port %d", from, q.Port)
		return
	}
	r.peers.Put(q.InfoHash, peerEndpoint)

	resp := q.BuildResponse(r.selfID, nil, nil, nil)
	if err := r.replier.Reply(resp, from); err != nil {
		log.Debugf("announce_peer reply to %s failed: %v", from, err)
	}
}

func toKRPCNodes(nodes []*kbucket.Node) []krpc.Node {
	out := make([]krpc.Node, len(nodes))
	for i, n := range nodes {
		out[i] = krpc.Node{ID: n.ID, Endpoint: n.Endpoint}
	}
	return out
}
