package kbucket

import (
	"math/big"
	"time"
)

// KBucketError signals an internal invariant violation during offer/split
// — a programming bug, not a network condition (spec §7). It carries the
// violating function name and the arguments that triggered it, matching
// the shape of the original implementation's KBucketError (gsko/mdht,
// mdht/kademlia/kbucket.py) that spec.md's distillation dropped.
type KBucketError struct {
	Func string
	Msg  string
	Args []interface{}
}

func (e *KBucketError) Error() string {
	return "kbucket: " + e.Func + ": " + e.Msg
}

// Bucket is a fixed-capacity container of Nodes covering the contiguous
// half-open id range [Lo, Hi). Its capacity becomes 0 once it has been
// split (spec §4.6 state machine: Leaf-Active -> Internal).
type Bucket struct {
	Lo, Hi   *big.Int
	capacity int
	members  map[string]*Node // keyed by ID.String() for set semantics
	timeout  time.Duration
}

// NewBucket constructs a bucket over [lo, hi) with the given capacity.
func NewBucket(lo, hi *big.Int, capacity int, nodeTimeout time.Duration) *Bucket {
	return &Bucket{
		Lo:       new(big.Int).Set(lo),
		Hi:       new(big.Int).Set(hi),
		capacity: capacity,
		members:  make(map[string]*Node),
		timeout:  nodeTimeout,
	}
}

// Capacity is the bucket's maximum member count; 0 once inactive (split).
func (b *Bucket) Capacity() int { return b.capacity }

// Len returns the current member count.
func (b *Bucket) Len() int { return len(b.members) }

// Full reports whether the bucket is at capacity.
func (b *Bucket) Full() bool { return len(b.members) >= b.capacity }

// Empty reports whether the bucket has no members.
func (b *Bucket) Empty() bool { return len(b.members) == 0 }

// InRange reports whether id falls in [Lo, Hi).
func (b *Bucket) InRange(id *big.Int) bool {
	return id.Cmp(b.Lo) >= 0 && id.Cmp(b.Hi) < 0
}

// Splittable reports whether this bucket's half-width exceeds 2 (spec §4.2).
func (b *Bucket) Splittable() bool {
	width := new(big.Int).Sub(b.Hi, b.Lo)
	half := new(big.Int).Rsh(width, 1)
	return half.Cmp(big.NewInt(2)) > 0
}

// Get returns the member with the given id, or nil.
func (b *Bucket) Get(id *big.Int) *Node {
	return b.members[id.String()]
}

// Members returns a snapshot slice of the bucket's current members.
func (b *Bucket) Members() []*Node {
	out := make([]*Node, 0, len(b.members))
	for _, n := range b.members {
		out = append(out, n)
	}
	return out
}

// Offer attempts to store n in the bucket. It returns true if n is already
// present (no mutation), if there is a free slot, or if n is BetterThan the
// current worst member (which is then evicted). It returns false when the
// bucket is full and n is not preferable to any current member.
//
// Offer returns a *KBucketError if n's id does not fall in [Lo, Hi) —
// this is a caller invariant violation, not a network condition.
func (b *Bucket) Offer(n *Node) (bool, error) {
	if !b.InRange(n.ID) {
		return false, &KBucketError{
			Func: "Offer",
			Msg:  "node id does not fall into the range of this bucket",
			Args: []interface{}{n.ID, b.Lo, b.Hi},
		}
	}
	key := n.ID.String()
	if _, ok := b.members[key]; ok {
		return true, nil
	}
	if !b.Full() {
		b.members[key] = n
		return true, nil
	}
	worst := b.worst()
	if worst != nil && n.BetterThan(worst, b.timeout) {
		delete(b.members, worst.ID.String())
		b.members[key] = n
		return true, nil
	}
	return false, nil
}

// Remove deletes the member with the given id; returns whether it was present.
func (b *Bucket) Remove(id *big.Int) bool {
	key := id.String()
	if _, ok := b.members[key]; !ok {
		return false
	}
	delete(b.members, key)
	return true
}

// worst returns the member that no other member is strictly BetterThan, or
// nil if the bucket is empty.
func (b *Bucket) worst() *Node {
	var worst *Node
	for _, n := range b.members {
		if worst == nil {
			worst = n
			continue
		}
		if worst.BetterThan(n, b.timeout) {
			worst = n
		}
	}
	return worst
}

// Stalest returns the member whose LastUpdated is the oldest, or nil if the
// bucket is empty — grounded on the original implementation's
// get_stalest_node, useful to a host-side refresh loop.
func (b *Bucket) Stalest() *Node {
	var stalest *Node
	for _, n := range b.members {
		if stalest == nil || n.LastUpdated().Before(stalest.LastUpdated()) {
			stalest = n
		}
	}
	return stalest
}

// Split partitions the bucket's range in half and redistributes its
// members into two new buckets, each inheriting capacity via newCapacity
// (identity for the basic variant, size-tapered for TaperedSplitPolicy).
// Splitting fails with a *KBucketError if the bucket is not Splittable.
// After a successful split, the receiver's capacity is set to 0 (inactive).
func (b *Bucket) Split(newCapacity func(mid *big.Int, leftRange, rightRange [2]*big.Int) (int, int)) (*Bucket, *Bucket, error) {
	if !b.Splittable() {
		return nil, nil, &KBucketError{Func: "Split", Msg: "bucket range is not wide enough to split"}
	}
	width := new(big.Int).Sub(b.Hi, b.Lo)
	mid := new(big.Int).Add(b.Lo, new(big.Int).Rsh(width, 1))

	lcap, rcap := b.capacity, b.capacity
	if newCapacity != nil {
		lcap, rcap = newCapacity(mid, [2]*big.Int{b.Lo, mid}, [2]*big.Int{mid, b.Hi})
	}
	left := NewBucket(b.Lo, mid, lcap, b.timeout)
	right := NewBucket(mid, b.Hi, rcap, b.timeout)

	for _, n := range b.members {
		var err error
		if left.InRange(n.ID) {
			_, err = left.Offer(n)
		} else {
			_, err = right.Offer(n)
		}
		if err != nil {
			log.Warnf("dropped a node while splitting a bucket: %v", err)
		}
	}
	b.capacity = 0
	b.members = nil
	return left, right, nil
}
