package dht

import (
	"context"
	"math/big"

	"github.com/benbjohnson/clock"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
	"github.com/nodedht/mdht/transaction"
	"github.com/nodedht/mdht/transport"
)

// Server is a complete Mainline DHT node: routing table, transaction
// engine, responder, and iterative lookups wired together behind a single
// caller-facing API. Named Server rather than Node to avoid colliding with
// kbucket.Node.
type Server struct {
	selfID *big.Int
	cfg    Config

	conn   transport.Conn
	rt     *kbucket.RoutingTable
	engine *transaction.Engine
	peers  *PeerStore
	tokens *TokenAuthority

	responder *Responder
	iterator  *Iterator
}

// New constructs a Server bound to conn. clk nil defaults to clock.New().
func New(selfID *big.Int, conn transport.Conn, cfg Config, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.SplitPolicy == nil {
		cfg = DefaultConfig()
	}

	rt := kbucket.NewRoutingTable(selfID, cfg.K, cfg.SplitPolicy, cfg.NodeTimeout, clk)
	peers := NewPeerStore(cfg.PeerTimeout, clk)
	tokens := NewTokenAuthority(cfg.SecretTimeout, cfg.TokenTimeout, clk)

	// Engine and Responder have a circular dependency: the Responder
	// replies through the Engine, and the Engine dispatches inbound
	// queries to the Responder. Build the Engine with no handler, build
	// the Responder against it, then wire the handler in.
	engine := transaction.NewEngine(selfID, conn, rt, clk, cfg.RPCTimeout, nil)
	responder := NewResponder(selfID, rt, peers, tokens, engine, cfg.K)
	engine.SetHandler(responder)

	return &Server{
		selfID:    selfID,
		cfg:       cfg,
		conn:      conn,
		rt:        rt,
		engine:    engine,
		peers:     peers,
		tokens:    tokens,
		responder: responder,
		iterator:  NewIterator(selfID, rt, engine, cfg.K),
	}
}

// Serve runs the inbound read loop until ctx is done or the socket closes.
func (s *Server) Serve(ctx context.Context) error {
	return s.engine.Serve(ctx)
}

// Close releases the underlying socket and fails every pending transaction.
func (s *Server) Close() error {
	return s.engine.Close()
}

// SelfID returns the node's own id.
func (s *Server) SelfID() *big.Int { return s.selfID }

// RoutingTable exposes the node's routing table.
func (s *Server) RoutingTable() *kbucket.RoutingTable { return s.rt }

// Ping sends a ping query to to and waits for its reply.
func (s *Server) Ping(ctx context.Context, to dhtid.Endpoint) (*krpc.Response, error) {
	return s.engine.SendQuery(ctx, krpc.NewPingQuery(s.selfID), to)
}

// FindNode sends a single find_node query to to.
func (s *Server) FindNode(ctx context.Context, target *big.Int, to dhtid.Endpoint) (*krpc.Response, error) {
	return s.engine.SendQuery(ctx, krpc.NewFindNodeQuery(s.selfID, target), to)
}

// GetPeers sends a single get_peers query to to.
func (s *Server) GetPeers(ctx context.Context, infoHash *big.Int, to dhtid.Endpoint) (*krpc.Response, error) {
	return s.engine.SendQuery(ctx, krpc.NewGetPeersQuery(s.selfID, infoHash), to)
}

// AnnouncePeer sends a single announce_peer query to to.
func (s *Server) AnnouncePeer(ctx context.Context, infoHash *big.Int, port int, token *big.Int, to dhtid.Endpoint) (*krpc.Response, error) {
	return s.engine.SendQuery(ctx, krpc.NewAnnouncePeerQuery(s.selfID, infoHash, port, token), to)
}

// FindIterate performs one fan-out round of find_node against seeds (or the
// routing table's closest nodes to target, if seeds is nil).
func (s *Server) FindIterate(ctx context.Context, target *big.Int, seeds []*kbucket.Node) ([]krpc.Node, error) {
	return s.iterator.FindIterate(ctx, target, seeds)
}

// GetIterate performs one fan-out round of get_peers against seeds (or the
// routing table's closest nodes to target, if seeds is nil).
func (s *Server) GetIterate(ctx context.Context, target *big.Int, seeds []*kbucket.Node) ([]krpc.Node, []dhtid.Endpoint, error) {
	return s.iterator.GetIterate(ctx, target, seeds)
}

// Search starts a complete live search (repeated FindIterate/GetIterate
// rounds) for target, driven by rpc (krpc.FindNode or krpc.GetPeers).
func (s *Server) Search(rpc krpc.RPCType, target *big.Int) *Search {
	return NewSearch(s.iterator, rpc, target)
}

// Stats summarizes a Server's current state for diagnostics.
type Stats struct {
	NodesInRoutingTable     int
	OutstandingTransactions int
	TotalQueriesSent        uint64
	KnownInfohashes         int
}

// Stats reports a snapshot of the node's routing table, transaction
// engine, and peer store occupancy.
func (s *Server) Stats() Stats {
	return Stats{
		NodesInRoutingTable:     s.rt.Len(),
		OutstandingTransactions: s.engine.PendingCount(),
		TotalQueriesSent:        s.engine.TotalSent(),
		KnownInfohashes:         s.peers.InfohashCount(),
	}
}
