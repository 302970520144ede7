package dhtid

import (
	"bytes"
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	cases := []*big.Int{
		big.NewInt(0),
		big.NewInt(255),
		Max(),
		new(big.Int).Lsh(big.NewInt(1), 120),
	}
	for _, id := range cases {
		enc, err := Encode(id)
		require.NoError(t, err)
		assert.Len(t, enc, IDBytes)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, 0, id.Cmp(dec))
	}
}

func TestEncodeIDBounds(t *testing.T) {
	zero, err := Encode(Zero())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(zero, bytes.Repeat([]byte{0}, IDBytes)))

	max, err := Encode(Max())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(max, bytes.Repeat([]byte{0xff}, IDBytes)))

	_, err = Encode(Ceil())
	assert.ErrorIs(t, err, ErrOutOfRange)

	neg := big.NewInt(-1)
	_, err = Encode(neg)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDecodeIDBadLength(t *testing.T) {
	_, err := Decode(make([]byte, 19))
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestEncodePort(t *testing.T) {
	b, err := EncodePort(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, b)

	b, err = EncodePort(255)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, b)

	b, err = EncodePort(65535)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff}, b)

	_, err = EncodePort(-1)
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = EncodePort(65536)
	assert.ErrorIs(t, err, ErrBadPort)
}

func TestEndpointRoundTrip(t *testing.T) {
	ep, err := NewEndpoint(net.ParseIP("127.0.0.1"), 6881)
	require.NoError(t, err)
	b, err := EncodeEndpoint(ep)
	require.NoError(t, err)
	assert.Len(t, b, EndpointBytes)
	dec, err := DecodeEndpoint(b)
	require.NoError(t, err)
	assert.True(t, ep.Equal(dec))
}
