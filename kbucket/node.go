// Package kbucket implements the Kademlia routing table (spec C2): a
// prefix-tree of fixed-capacity buckets with splitting, a replacement
// policy, and k-nearest lookup by XOR distance.
package kbucket

import (
	"fmt"
	"math"
	"math/big"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/nodedht/mdht/dhtid"
)

var log = logging.Logger("kbucket")

// NodeTimeout is the default age after which a Node is no longer fresh.
const NodeTimeout = 900 * time.Second

// Node is a known DHT peer and its observed reliability statistics.
// Identity for routing-table containership is ID alone — two Nodes with
// equal ID are the same node regardless of anything else on them.
type Node struct {
	ID       *big.Int
	Endpoint dhtid.Endpoint

	lastUpdated  time.Time
	totalRTT     time.Duration
	successCount uint32
	failCount    uint32

	clock Clock
}

// Clock is the minimal time source the routing table depends on, so tests
// can supply a deterministic one. github.com/benbjohnson/clock.Clock
// satisfies this interface.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock, backed by time.Now.
var RealClock Clock = realClock{}

// NewNode constructs a Node freshly observed at the given clock's current
// time, with zeroed reliability statistics.
func NewNode(id *big.Int, ep dhtid.Endpoint, clock Clock) *Node {
	if clock == nil {
		clock = RealClock
	}
	return &Node{
		ID:          id,
		Endpoint:    ep,
		lastUpdated: clock.Now(),
		clock:       clock,
	}
}

// Distance returns the XOR distance between n and id.
func (n *Node) Distance(id *big.Int) *big.Int {
	return dhtid.Distance(n.ID, id)
}

// SuccessfulQuery records that a query originating at originTime received
// a valid response just now, per spec §3 (total_rtt, success_count).
func (n *Node) SuccessfulQuery(originTime time.Time) {
	n.touch(originTime)
	n.successCount++
}

// FailedQuery records that a query originating at originTime failed
// (timeout or remote error), per spec §3 (fail_count).
func (n *Node) FailedQuery(originTime time.Time) {
	n.touch(originTime)
	n.failCount++
}

func (n *Node) touch(originTime time.Time) {
	now := n.now()
	n.lastUpdated = now
	n.totalRTT += now.Sub(originTime)
}

func (n *Node) now() time.Time {
	if n.clock != nil {
		return n.clock.Now()
	}
	return time.Now()
}

// AvgRTT returns total_rtt / (success_count + fail_count), or +Inf when no
// exchange has completed yet.
func (n *Node) AvgRTT() time.Duration {
	total := n.successCount + n.failCount
	if total == 0 {
		return time.Duration(math.MaxInt64)
	}
	return n.totalRTT / time.Duration(total)
}

// Fresh reports whether now-last_updated <= timeout.
func (n *Node) Fresh(timeout time.Duration) bool {
	return n.now().Sub(n.lastUpdated) <= timeout
}

// BetterThan implements spec §3's better_than ordering: A is preferable to
// B when (A fresh and not B fresh) or (A fresh and avg_rtt(A) < avg_rtt(B)).
// Ties (both fresh, equal avg rtt) are "not preferable" by design (spec §9
// open question) — callers must not rely on stable replacement order.
func (n *Node) BetterThan(other *Node, timeout time.Duration) bool {
	nFresh := n.Fresh(timeout)
	oFresh := other.Fresh(timeout)
	if nFresh && !oFresh {
		return true
	}
	if nFresh && n.AvgRTT() < other.AvgRTT() {
		return true
	}
	return false
}

// LastUpdated returns the wall-clock time of the most recent successful or
// failed exchange.
func (n *Node) LastUpdated() time.Time { return n.lastUpdated }

func (n *Node) String() string {
	return fmt.Sprintf("node id=%x endpoint=%s success=%d fail=%d", n.ID.Bytes(), n.Endpoint, n.successCount, n.failCount)
}
