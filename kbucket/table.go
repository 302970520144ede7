package kbucket

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/nodedht/mdht/dhtid"
)

// DefaultK is the default bucket capacity (spec §3).
const DefaultK = 8

// SplitPolicy decides the capacities assigned to the two children produced
// by splitting a leaf bucket, expressed as a strategy so the basic and
// size-tapered routing-table variants (spec §4.2, §9) are one concrete
// RoutingTable type parameterized by policy rather than two subclasses.
type SplitPolicy interface {
	// ChildCapacities returns the capacities for the child whose range
	// contains self_id and for its sibling. depth is the number of splits
	// already performed by the owning table (incremented after each split).
	ChildCapacities(depth int, parentCapacity int) (selfSide, sibling int)
}

// BasicSplitPolicy gives both children the parent's capacity unchanged.
type BasicSplitPolicy struct{}

func (BasicSplitPolicy) ChildCapacities(_ int, parentCapacity int) (int, int) {
	return parentCapacity, parentCapacity
}

// TaperedSplitPolicy implements the subsecond-paper optimization (spec §4.2
// "Size-tapered variant"): the side containing self_id keeps capacity K,
// while the sibling is sized max(128/2^depth, K), giving dense coverage near
// self_id and coarser coverage far from it.
type TaperedSplitPolicy struct {
	K int
}

func (p TaperedSplitPolicy) ChildCapacities(depth int, _ int) (selfSide, sibling int) {
	k := p.K
	if k <= 0 {
		k = DefaultK
	}
	tapered := 128 >> uint(depth)
	if tapered < k {
		tapered = k
	}
	return k, tapered
}

// TreeNode is either a leaf holding a live Bucket, or an internal node with
// two children whose ranges bisect the parent's (spec §4.2/§4.6).
type TreeNode struct {
	bucket *Bucket
	lchild *TreeNode
	rchild *TreeNode
}

func (t *TreeNode) isLeaf() bool { return t.lchild == nil && t.rchild == nil }

// RoutingTable is the Kademlia prefix-tree of buckets (spec C2): owns the
// tree root plus O(1) auxiliary maps by id and by endpoint.
type RoutingTable struct {
	mu sync.RWMutex

	selfID  *big.Int
	k       int
	policy  SplitPolicy
	timeout time.Duration
	clock   Clock

	root *TreeNode

	byID       map[string]*Node
	byEndpoint map[string]map[string]*Node // endpoint key -> id key -> Node

	active     map[*Bucket]struct{}
	splitDepth int
}

// NewRoutingTable constructs a table with a single root bucket spanning
// [0, 2^160). k <= 0 defaults to DefaultK; policy nil defaults to
// BasicSplitPolicy; clock nil defaults to RealClock.
func NewRoutingTable(selfID *big.Int, k int, policy SplitPolicy, timeout time.Duration, clock Clock) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	if policy == nil {
		policy = BasicSplitPolicy{}
	}
	if timeout <= 0 {
		timeout = NodeTimeout
	}
	if clock == nil {
		clock = RealClock
	}
	root := NewBucket(dhtid.Zero(), dhtid.Ceil(), k, timeout)
	rt := &RoutingTable{
		selfID:     new(big.Int).Set(selfID),
		k:          k,
		policy:     policy,
		timeout:    timeout,
		clock:      clock,
		root:       &TreeNode{bucket: root},
		byID:       make(map[string]*Node),
		byEndpoint: make(map[string]map[string]*Node),
		active:     map[*Bucket]struct{}{root: {}},
	}
	return rt
}

// OfferNode offers n to the routing table (spec §4.2 Offer). Returns the
// acceptance boolean; true with no mutation if n.ID is already known.
func (rt *RoutingTable) OfferNode(n *Node) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idKey := n.ID.String()
	if _, ok := rt.byID[idKey]; ok {
		return true
	}
	if !rt.offerIntoTree(rt.root, n) {
		return false
	}
	rt.byID[idKey] = n
	epKey := n.Endpoint.String()
	set := rt.byEndpoint[epKey]
	if set == nil {
		set = make(map[string]*Node)
		rt.byEndpoint[epKey] = set
	}
	set[idKey] = n
	return true
}

func (rt *RoutingTable) offerIntoTree(tnode *TreeNode, n *Node) bool {
	if tnode == nil || !tnode.bucket.InRange(n.ID) {
		return false
	}
	if !tnode.isLeaf() {
		if rt.offerIntoTree(tnode.lchild, n) {
			return true
		}
		return rt.offerIntoTree(tnode.rchild, n)
	}

	ok, err := tnode.bucket.Offer(n)
	if err != nil {
		log.Warnf("routing table: rejecting offer: %v", err)
		return false
	}
	if ok {
		return true
	}
	if tnode.bucket.Full() && tnode.bucket.Splittable() && tnode.bucket.InRange(rt.selfID) {
		if rt.split(tnode) {
			return rt.offerIntoTree(tnode, n)
		}
	}
	return false
}

// split turns the given leaf treenode into an internal node with two fresh
// leaf children, per the active policy. Returns false if the bucket refused
// to split (not wide enough).
func (rt *RoutingTable) split(tnode *TreeNode) bool {
	depth := rt.splitDepth
	parentCapacity := tnode.bucket.Capacity()
	policy := rt.policy
	selfID := rt.selfID

	newCapacity := func(_ *big.Int, leftRange, rightRange [2]*big.Int) (int, int) {
		selfInLeft := selfID.Cmp(leftRange[0]) >= 0 && selfID.Cmp(leftRange[1]) < 0
		selfSide, sibling := policy.ChildCapacities(depth, parentCapacity)
		if selfInLeft {
			return selfSide, sibling
		}
		return sibling, selfSide
	}

	old := tnode.bucket
	left, right, err := old.Split(newCapacity)
	if err != nil {
		return false
	}
	delete(rt.active, old)
	rt.active[left] = struct{}{}
	rt.active[right] = struct{}{}
	tnode.lchild = &TreeNode{bucket: left}
	tnode.rchild = &TreeNode{bucket: right}
	rt.splitDepth++
	return true
}

// RemoveNode deletes the node with the given id. Returns whether it was
// present.
func (rt *RoutingTable) RemoveNode(id *big.Int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idKey := id.String()
	n, ok := rt.byID[idKey]
	if !ok {
		return false
	}
	delete(rt.byID, idKey)
	epKey := n.Endpoint.String()
	if set, ok := rt.byEndpoint[epKey]; ok {
		delete(set, idKey)
		if len(set) == 0 {
			delete(rt.byEndpoint, epKey)
		}
	}
	rt.removeFromTree(rt.root, id)
	return true
}

func (rt *RoutingTable) removeFromTree(tnode *TreeNode, id *big.Int) {
	if tnode == nil || !tnode.bucket.InRange(id) {
		return
	}
	if tnode.isLeaf() {
		tnode.bucket.Remove(id)
		return
	}
	rt.removeFromTree(tnode.lchild, id)
	rt.removeFromTree(tnode.rchild, id)
}

// GetNode returns the node with the given id, or nil.
func (rt *RoutingTable) GetNode(id *big.Int) *Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.byID[id.String()]
}

// GetByEndpoint returns the (possibly empty) set of nodes sharing ep.
func (rt *RoutingTable) GetByEndpoint(ep dhtid.Endpoint) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	set := rt.byEndpoint[ep.String()]
	out := make([]*Node, 0, len(set))
	for _, n := range set {
		out = append(out, n)
	}
	return out
}

// Closest performs the prefix-walk k-nearest lookup of spec §4.2: the
// returned slice holds up to num members, sorted ascending by id XOR
// target, ties broken by id.
func (rt *RoutingTable) Closest(target *big.Int, num int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var candidates []*Node
	rt.collectClosest(rt.root, target, num, &candidates)

	sort.Slice(candidates, func(i, j int) bool {
		di := dhtid.Distance(candidates[i].ID, target)
		dj := dhtid.Distance(candidates[j].ID, target)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return candidates[i].ID.Cmp(candidates[j].ID) < 0
	})
	if len(candidates) > num {
		candidates = candidates[:num]
	}
	return candidates
}

func (rt *RoutingTable) collectClosest(tnode *TreeNode, target *big.Int, num int, out *[]*Node) {
	if tnode == nil || len(*out) >= num {
		return
	}
	if tnode.isLeaf() {
		*out = append(*out, tnode.bucket.Members()...)
		return
	}
	if tnode.lchild.bucket.InRange(target) {
		rt.collectClosest(tnode.lchild, target, num, out)
		if len(*out) < num {
			rt.collectClosest(tnode.rchild, target, num, out)
		}
		return
	}
	rt.collectClosest(tnode.rchild, target, num, out)
	if len(*out) < num {
		rt.collectClosest(tnode.lchild, target, num, out)
	}
}

// ActiveBuckets returns a snapshot of all leaf buckets currently accepting
// members, grounded on the original implementation's get_kbuckets — useful
// to a host-side refresh loop that walks buckets rather than nodes.
func (rt *RoutingTable) ActiveBuckets() []*Bucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Bucket, 0, len(rt.active))
	for b := range rt.active {
		out = append(out, b)
	}
	return out
}

// Len returns the total number of nodes currently stored.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.byID)
}
