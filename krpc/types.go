// Package krpc implements the KRPC message codec (spec C1): bijective
// encoding/decoding between Query/Response/Error values and bencoded
// datagrams, including packed node and endpoint records.
package krpc

import (
	"math/big"

	"github.com/nodedht/mdht/dhtid"
)

// RPCType names one of the four RPC kinds a Query may carry.
type RPCType string

const (
	Ping         RPCType = "ping"
	FindNode     RPCType = "find_node"
	GetPeers     RPCType = "get_peers"
	AnnouncePeer RPCType = "announce_peer"
)

// Query is a decoded KRPC query (y=q).
type Query struct {
	TransactionID uint32
	From          *big.Int // querier id, a.id
	Type          RPCType

	// find_node
	Target *big.Int
	// get_peers / announce_peer
	InfoHash *big.Int
	// announce_peer
	Port  int
	Token *big.Int
}

// Response is a decoded KRPC response (y=r).
type Response struct {
	TransactionID uint32
	From          *big.Int // responder id, r.id

	Nodes []Node
	Peers []dhtid.Endpoint
	Token *big.Int
}

// Error codes per spec §4.1.
const (
	ErrGeneric  = 201
	ErrServer   = 202
	ErrProtocol = 203
)

// Error is a decoded KRPC error (y=e).
type Error struct {
	TransactionID uint32
	Code          int
	Message       string
}

func (e *Error) Error() string {
	return e.Message
}

// Node is a packed routing-table entry: a 20-byte id and a 6-byte
// endpoint, concatenated on the wire to 26 bytes.
type Node struct {
	ID       *big.Int
	Endpoint dhtid.Endpoint
}

// NewPingQuery builds a ping query from the given querier id.
func NewPingQuery(from *big.Int) *Query {
	return &Query{From: from, Type: Ping}
}

// NewFindNodeQuery builds a find_node query.
func NewFindNodeQuery(from, target *big.Int) *Query {
	return &Query{From: from, Type: FindNode, Target: target}
}

// NewGetPeersQuery builds a get_peers query.
func NewGetPeersQuery(from, infoHash *big.Int) *Query {
	return &Query{From: from, Type: GetPeers, InfoHash: infoHash}
}

// NewAnnouncePeerQuery builds an announce_peer query.
func NewAnnouncePeerQuery(from, infoHash *big.Int, port int, token *big.Int) *Query {
	return &Query{From: from, Type: AnnouncePeer, InfoHash: infoHash, Port: port, Token: token}
}

// BuildResponse constructs the Response counterpart to q, carrying the same
// transaction id, the local id `from`, and the optional payload fields.
func (q *Query) BuildResponse(from *big.Int, nodes []Node, peers []dhtid.Endpoint, token *big.Int) *Response {
	return &Response{
		TransactionID: q.TransactionID,
		From:          from,
		Nodes:         nodes,
		Peers:         peers,
		Token:         token,
	}
}
