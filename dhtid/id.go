// Package dhtid implements the primitive, fixed-width encodings shared by
// the message codec and the routing table: 160-bit node identifiers and
// packed IPv4 UDP endpoints.
package dhtid

import (
	"errors"
	"math/big"
)

// IDBits is the width of a NodeId/info-hash, per the Mainline DHT BEP.
const IDBits = 160

// IDBytes is the packed wire width of a NodeId.
const IDBytes = IDBits / 8

// ErrOutOfRange is returned when a NodeId does not fit in [0, 2^160).
var ErrOutOfRange = errors.New("dhtid: value outside [0, 2^160)")

// ErrBadLength is returned when a packed id is not exactly IDBytes long.
var ErrBadLength = errors.New("dhtid: packed id must be 20 bytes")

// idCeil is 2^160, the exclusive upper bound of a valid NodeId.
var idCeil = new(big.Int).Lsh(big.NewInt(1), IDBits)

// Zero returns the NodeId 0.
func Zero() *big.Int { return big.NewInt(0) }

// Max returns the NodeId 2^160 - 1.
func Max() *big.Int { return new(big.Int).Sub(idCeil, big.NewInt(1)) }

// Ceil returns 2^160, the exclusive bound of id space. Useful as the right
// edge of the root routing-table range.
func Ceil() *big.Int { return new(big.Int).Set(idCeil) }

// InRange reports whether id lies in [0, 2^160).
func InRange(id *big.Int) bool {
	return id.Sign() >= 0 && id.Cmp(idCeil) < 0
}

// Encode packs id into a 20-byte big-endian, left zero-padded string.
// It fails with ErrOutOfRange for ids outside [0, 2^160).
func Encode(id *big.Int) ([]byte, error) {
	if !InRange(id) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, IDBytes)
	id.FillBytes(out)
	return out, nil
}

// Decode unpacks a 20-byte big-endian string into a NodeId.
// It fails with ErrBadLength if b is not exactly IDBytes long.
func Decode(b []byte) (*big.Int, error) {
	if len(b) != IDBytes {
		return nil, ErrBadLength
	}
	return new(big.Int).SetBytes(b), nil
}

// Distance returns the XOR distance between two NodeIds, per the Kademlia
// metric. The result is itself a value in [0, 2^160).
func Distance(a, b *big.Int) *big.Int {
	return new(big.Int).Xor(a, b)
}

// Less orders two NodeIds as unsigned integers — the total order induced
// by XOR distance to any fixed point shares this ordering's tie-breaking.
func Less(a, b *big.Int) bool {
	return a.Cmp(b) < 0
}
