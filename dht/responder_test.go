package dht

import (
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
)

type recordingReplier struct {
	replies []*krpc.Response
	errs    []*krpc.Error
}

func (r *recordingReplier) Reply(resp *krpc.Response, _ dhtid.Endpoint) error {
	r.replies = append(r.replies, resp)
	return nil
}

func (r *recordingReplier) ReplyError(kerr *krpc.Error, _ dhtid.Endpoint) error {
	r.errs = append(r.errs, kerr)
	return nil
}

func newTestResponder(t *testing.T) (*Responder, *recordingReplier, *kbucket.RoutingTable, *PeerStore, *TokenAuthority) {
	t.Helper()
	mock := clock.NewMock()
	selfID := big.NewInt(100)
	rt := kbucket.NewRoutingTable(selfID, kbucket.DefaultK, kbucket.BasicSplitPolicy{}, kbucket.NodeTimeout, mock)
	peers := NewPeerStore(time.Minute, mock)
	tokens := NewTokenAuthority(time.Minute, 10*time.Minute, mock)
	replier := &recordingReplier{}
	return NewResponder(selfID, rt, peers, tokens, replier, kbucket.DefaultK), replier, rt, peers, tokens
}

func TestResponderHandlePingReplies(t *testing.T) {
	r, replier, _, _, _ := newTestResponder(t)
	from := mustEndpoint(t, "9.9.9.9", 6881)

	r.HandleQuery(krpc.NewPingQuery(big.NewInt(1)), from)

	require.Len(t, replier.replies, 1)
	assert.Equal(t, big.NewInt(100), replier.replies[0].From)
}

func TestResponderHandleFindNodeReturnsClosest(t *testing.T) {
	r, replier, rt, _, _ := newTestResponder(t)
	ep := mustEndpoint(t, "1.1.1.1", 6881)
	rt.OfferNode(kbucket.NewNode(big.NewInt(5), ep, nil))
	from := mustEndpoint(t, "9.9.9.9", 6881)

	r.HandleQuery(&krpc.Query{From: big.NewInt(1), Type: krpc.FindNode, Target: big.NewInt(5)}, from)

	require.Len(t, replier.replies, 1)
	require.Len(t, replier.replies[0].Nodes, 1)
	assert.Equal(t, big.NewInt(5), replier.replies[0].Nodes[0].ID)
}

func TestResponderHandleGetPeersReturnsPeersWhenKnown(t *testing.T) {
	r, replier, _, peers, _ := newTestResponder(t)
	infoHash := big.NewInt(55)
	peerEp := mustEndpoint(t, "2.2.2.2", 6882)
	peers.Put(infoHash, peerEp)
	from := mustEndpoint(t, "9.9.9.9", 6881)

	r.HandleQuery(&krpc.Query{From: big.NewInt(1), Type: krpc.GetPeers, InfoHash: infoHash}, from)

	require.Len(t, replier.replies, 1)
	require.Len(t, replier.replies[0].Peers, 1)
	assert.True(t, replier.replies[0].Peers[0].Equal(peerEp))
	assert.NotNil(t, replier.replies[0].Token)
}

func TestResponderHandleAnnouncePeerRejectsBadToken(t *testing.T) {
	r, replier, _, peers, _ := newTestResponder(t)
	infoHash := big.NewInt(55)
	from := mustEndpoint(t, "9.9.9.9", 6881)

	r.HandleQuery(&krpc.Query{
		From: big.NewInt(1), Type: krpc.AnnouncePeer,
		InfoHash: infoHash, Port: 6881, Token: big.NewInt(0),
	}, from)

	assert.Empty(t, replier.replies)
	assert.Empty(t, peers.Get(infoHash))
}

func TestResponderHandleAnnouncePeerAcceptsValidToken(t *testing.T) {
	r, replier, _, peers, tokens := newTestResponder(t)
	infoHash := big.NewInt(55)
	from := mustEndpoint(t, "9.9.9.9", 6881)
	token := tokens.Generate(big.NewInt(1), infoHash, from)

	r.HandleQuery(&krpc.Query{
		From: big.NewInt(1), Type: krpc.AnnouncePeer,
		InfoHash: infoHash, Port: 6881, Token: token,
	}, from)

	require.Len(t, replier.replies, 1)
	assert.Len(t, peers.Get(infoHash), 1)
}
