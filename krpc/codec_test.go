package krpc

import (
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodedht/mdht/bencode"
	"github.com/nodedht/mdht/dhtid"
)

func id(n int64) *big.Int { return big.NewInt(n) }

func ep(t *testing.T, ip string, port int) dhtid.Endpoint {
	t.Helper()
	e, err := dhtid.NewEndpoint(net.ParseIP(ip), port)
	require.NoError(t, err)
	return e
}

func TestPingQueryRoundTrip(t *testing.T) {
	q := NewPingQuery(id(2))
	q.TransactionID = 0x0f

	b, err := Encode(q)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)

	got, ok := decoded.(*Query)
	require.True(t, ok)
	assert.Equal(t, q.TransactionID, got.TransactionID)
	assert.Equal(t, 0, q.From.Cmp(got.From))
	assert.Equal(t, Ping, got.Type)
}

func TestFindNodeQueryRoundTrip(t *testing.T) {
	q := NewFindNodeQuery(id(5), id(76))
	q.TransactionID = 99

	b, err := Encode(q)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)

	got := decoded.(*Query)
	assert.Equal(t, FindNode, got.Type)
	assert.Equal(t, 0, got.Target.Cmp(id(76)))
}

func TestFindNodeQueryRejectsOutOfRangeTarget(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 160)
	q := NewFindNodeQuery(id(1), tooBig)
	_, err := Encode(q)
	assert.Error(t, err)
}

func TestResponseWithNodesRoundTrip(t *testing.T) {
	r := &Response{
		TransactionID: 7,
		From:          id(1),
		Nodes: []Node{
			{ID: id(76), Endpoint: ep(t, "10.0.0.1", 6881)},
			{ID: id(77), Endpoint: ep(t, "10.0.0.2", 6882)},
		},
	}
	b, err := Encode(r)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	got := decoded.(*Response)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, 0, got.Nodes[0].ID.Cmp(id(76)))
	assert.True(t, got.Nodes[0].Endpoint.Equal(ep(t, "10.0.0.1", 6881)))
}

func TestResponseWithPeersAndTokenRoundTrip(t *testing.T) {
	r := &Response{
		TransactionID: 1,
		From:          id(800),
		Peers:         []dhtid.Endpoint{ep(t, "127.0.0.1", 55)},
		Token:         big.NewInt(12345),
	}
	b, err := Encode(r)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	got := decoded.(*Response)
	require.Len(t, got.Peers, 1)
	assert.True(t, got.Peers[0].Equal(ep(t, "127.0.0.1", 55)))
	assert.Equal(t, 0, got.Token.Cmp(big.NewInt(12345)))
}

func TestErrorRoundTrip(t *testing.T) {
	e := &Error{TransactionID: 3, Code: ErrGeneric, Message: "boom"}
	b, err := Encode(e)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	got := decoded.(*Error)
	assert.Equal(t, ErrGeneric, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestEncodeRejectsUnknownErrorCode(t *testing.T) {
	e := &Error{TransactionID: 1, Code: 999, Message: "x"}
	_, err := Encode(e)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedNodesLength(t *testing.T) {
	// Hand-craft a response whose nodes blob length isn't a multiple of 26.
	bad, merr := bencode.Marshal(bencode.Dict{
		"t": "\x01",
		"y": "r",
		"r": bencode.Dict{
			"id":    string(make([]byte, 20)),
			"nodes": string(make([]byte, 27)),
		},
	})
	require.NoError(t, merr)
	_, err := Decode(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedValuesLength(t *testing.T) {
	bad, merr := bencode.Marshal(bencode.Dict{
		"t": "\x01",
		"y": "r",
		"r": bencode.Dict{
			"id":     string(make([]byte, 20)),
			"values": string(make([]byte, 7)),
		},
	})
	require.NoError(t, merr)
	_, err := Decode(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownRPCName(t *testing.T) {
	bad, merr := bencode.Marshal(bencode.Dict{
		"t": "\x01",
		"y": "q",
		"q": "explode",
		"a": bencode.Dict{"id": string(make([]byte, 20))},
	})
	require.NoError(t, merr)
	_, err := Decode(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsBadErrorCode(t *testing.T) {
	bad, merr := bencode.Marshal(bencode.Dict{
		"t": "\x01",
		"y": "e",
		"e": bencode.List{int64(999), "bad"},
	})
	require.NoError(t, merr)
	_, err := Decode(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedBencode(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	assert.Error(t, err)
}

func TestPingResponseRetainsTransactionID(t *testing.T) {
	// End-to-end scenario 1 from spec §8: a decoded ping query re-encoded
	// as a response must retain the transaction id and swap y: q -> r.
	q := NewPingQuery(id(0x1000000000000000))
	q.TransactionID = 0x0f

	b, err := Encode(q)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	got := decoded.(*Query)

	resp := got.BuildResponse(id(2), nil, nil, nil)
	respBytes, err := Encode(resp)
	require.NoError(t, err)

	redecoded, err := Decode(respBytes)
	require.NoError(t, err)
	gotResp := redecoded.(*Response)
	assert.Equal(t, q.TransactionID, gotResp.TransactionID)
	assert.Equal(t, 0, gotResp.From.Cmp(id(2)))
}
