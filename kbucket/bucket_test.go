package kbucket

import (
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodedht/mdht/dhtid"
)

func testEndpoint(t *testing.T, n byte) dhtid.Endpoint {
	t.Helper()
	ep, err := dhtid.NewEndpoint(net.IPv4(10, 0, 0, n), 6881)
	require.NoError(t, err)
	return ep
}

func TestBucketOfferRejectsOutOfRangeID(t *testing.T) {
	b := NewBucket(big.NewInt(0), big.NewInt(16), 8, NodeTimeout)
	n := NewNode(big.NewInt(100), testEndpoint(t, 1), nil)
	_, err := b.Offer(n)
	assert.Error(t, err)
	var kerr *KBucketError
	assert.ErrorAs(t, err, &kerr)
}

func TestBucketOfferFillsUpToCapacity(t *testing.T) {
	b := NewBucket(big.NewInt(0), big.NewInt(16), 4, NodeTimeout)
	for i := int64(0); i < 4; i++ {
		ok, err := b.Offer(NewNode(big.NewInt(i), testEndpoint(t, byte(i)), nil))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.True(t, b.Full())

	ok, err := b.Offer(NewNode(big.NewInt(10), testEndpoint(t, 10), nil))
	require.NoError(t, err)
	assert.False(t, ok, "a full bucket with no stale member should reject")
}

func TestBucketOfferIsIdempotent(t *testing.T) {
	b := NewBucket(big.NewInt(0), big.NewInt(16), 1, NodeTimeout)
	n := NewNode(big.NewInt(3), testEndpoint(t, 1), nil)
	ok, err := b.Offer(n)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Offer(n)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, b.Len())
}

func TestBucketOfferReplacesStaleMember(t *testing.T) {
	clk := clock.NewMock()
	b := NewBucket(big.NewInt(0), big.NewInt(16), 1, time.Minute)

	stale := NewNode(big.NewInt(1), testEndpoint(t, 1), clk)
	ok, err := b.Offer(stale)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Add(2 * time.Minute) // stale now exceeds the bucket's timeout

	fresh := NewNode(big.NewInt(2), testEndpoint(t, 2), clk)
	ok, err = b.Offer(fresh)
	require.NoError(t, err)
	assert.True(t, ok, "a fresh node should replace a stale worst member")
	assert.Nil(t, b.Get(big.NewInt(1)))
	assert.NotNil(t, b.Get(big.NewInt(2)))
}

func TestBucketSplittable(t *testing.T) {
	wide := NewBucket(big.NewInt(0), big.NewInt(16), 8, NodeTimeout)
	assert.True(t, wide.Splittable())

	narrow := NewBucket(big.NewInt(0), big.NewInt(4), 8, NodeTimeout)
	assert.False(t, narrow.Splittable())
}

func TestBucketSplitPartitionsRangeAndMembers(t *testing.T) {
	b := NewBucket(big.NewInt(0), big.NewInt(16), 8, NodeTimeout)
	for i := int64(0); i < 8; i++ {
		_, err := b.Offer(NewNode(big.NewInt(i), testEndpoint(t, byte(i)), nil))
		require.NoError(t, err)
	}

	left, right, err := b.Split(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, left.Lo.Cmp(big.NewInt(0)))
	assert.Equal(t, 0, left.Hi.Cmp(big.NewInt(8)))
	assert.Equal(t, 0, right.Lo.Cmp(big.NewInt(8)))
	assert.Equal(t, 0, right.Hi.Cmp(big.NewInt(16)))

	assert.Equal(t, 8, left.Len()+right.Len())
	for i := int64(0); i < 8; i++ {
		if i < 8 {
			n := left.Get(big.NewInt(i))
			if n == nil {
				n = right.Get(big.NewInt(i))
			}
			assert.NotNil(t, n)
		}
	}

	assert.Equal(t, 0, b.Capacity())
	assert.True(t, b.Empty())
}

func TestBucketSplitFailsWhenNotSplittable(t *testing.T) {
	b := NewBucket(big.NewInt(0), big.NewInt(4), 8, NodeTimeout)
	_, _, err := b.Split(nil)
	assert.Error(t, err)
}

func TestBucketStalestReturnsOldest(t *testing.T) {
	clk := clock.NewMock()
	b := NewBucket(big.NewInt(0), big.NewInt(16), 8, NodeTimeout)

	n1 := NewNode(big.NewInt(1), testEndpoint(t, 1), clk)
	_, err := b.Offer(n1)
	require.NoError(t, err)

	clk.Add(time.Minute)
	n2 := NewNode(big.NewInt(2), testEndpoint(t, 2), clk)
	_, err = b.Offer(n2)
	require.NoError(t, err)

	assert.Same(t, n1, b.Stalest())
}
