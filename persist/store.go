// Package persist defines the optional on-disk persistence collaborator
// contract (spec §6) and a bbolt-backed adapter for it. The core routing
// table stays storage-agnostic; a host program that wants its routing
// table's nodes to survive a restart wires one of these in.
package persist

import (
	"math/big"

	"github.com/nodedht/mdht/dhtid"
)

// StoredNode is the persisted representation of a kbucket.Node: enough to
// reseed a routing table on startup, not a full reliability history.
type StoredNode struct {
	ID       *big.Int
	Endpoint dhtid.Endpoint
}

// NodeStore is the persistence contract a host program may satisfy to give
// a Server's routing table durability across restarts. The core never
// depends on a concrete implementation of this interface.
type NodeStore interface {
	// SaveNodes replaces the store's contents with nodes.
	SaveNodes(nodes []StoredNode) error
	// LoadNodes returns the most recently saved node set, or an empty
	// slice if nothing has been saved yet.
	LoadNodes() ([]StoredNode, error)
	// Close releases any resources held by the store.
	Close() error
}
