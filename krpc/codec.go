package krpc

import (
	"fmt"
	"math/big"

	logging "github.com/ipfs/go-log"

	"github.com/nodedht/mdht/bencode"
	"github.com/nodedht/mdht/dhtid"
)

var log = logging.Logger("krpc")

// InvalidMessageError wraps any failure to encode or decode a KRPC
// datagram, per the spec §7 error taxonomy. It always names the step and
// wraps the underlying cause.
type InvalidMessageError struct {
	Reason string
	Cause  error
}

func (e *InvalidMessageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("krpc: invalid message: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("krpc: invalid message: %s", e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return e.Cause }

func invalidf(cause error, format string, args ...interface{}) *InvalidMessageError {
	return &InvalidMessageError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

func ltob(tid uint32) string {
	if tid == 0 {
		return string([]byte{0})
	}
	var b []byte
	for v := tid; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return string(b)
}

func btol(s []byte) uint32 {
	var v uint32
	for _, c := range s {
		v = v<<8 | uint32(c)
	}
	return v
}

// Encode serializes a *Query, *Response, or *Error into its bencoded wire
// form. Encoding is bijective: decoding the result yields a value
// structurally equal (on semantic fields) to the input.
func Encode(msg interface{}) ([]byte, error) {
	top := bencode.Dict{}
	var tid uint32

	switch m := msg.(type) {
	case *Query:
		tid = m.TransactionID
		top["y"] = "q"
		top["q"] = string(m.Type)
		a, err := encodeQueryArgs(m)
		if err != nil {
			return nil, err
		}
		top["a"] = a
	case *Response:
		tid = m.TransactionID
		top["y"] = "r"
		r, err := encodeResponse(m)
		if err != nil {
			return nil, err
		}
		top["r"] = r
	case *Error:
		tid = m.TransactionID
		top["y"] = "e"
		if m.Code != ErrGeneric && m.Code != ErrServer && m.Code != ErrProtocol {
			return nil, invalidf(nil, "error code %d not in {201,202,203}", m.Code)
		}
		top["e"] = bencode.List{int64(m.Code), m.Message}
	default:
		return nil, invalidf(nil, "unsupported message type %T", msg)
	}
	top["t"] = ltob(tid)

	b, err := bencode.Marshal(top)
	if err != nil {
		return nil, invalidf(err, "bencode marshal")
	}
	return b, nil
}

func encodeQueryArgs(q *Query) (bencode.Dict, error) {
	fromBytes, err := dhtid.Encode(q.From)
	if err != nil {
		return nil, invalidf(err, "query.id")
	}
	a := bencode.Dict{"id": string(fromBytes)}
	switch q.Type {
	case Ping:
	case FindNode:
		tb, err := dhtid.Encode(q.Target)
		if err != nil {
			return nil, invalidf(err, "find_node.target")
		}
		a["target"] = string(tb)
	case GetPeers:
		ib, err := dhtid.Encode(q.InfoHash)
		if err != nil {
			return nil, invalidf(err, "get_peers.info_hash")
		}
		a["info_hash"] = string(ib)
	case AnnouncePeer:
		ib, err := dhtid.Encode(q.InfoHash)
		if err != nil {
			return nil, invalidf(err, "announce_peer.info_hash")
		}
		a["info_hash"] = string(ib)
		if q.Port < 0 || q.Port > 0xffff {
			return nil, invalidf(dhtid.ErrBadPort, "announce_peer.port")
		}
		a["port"] = int64(q.Port)
		if q.Token == nil {
			return nil, invalidf(nil, "announce_peer.token required")
		}
		a["token"] = string(tokenBytes(q.Token))
	default:
		return nil, invalidf(nil, "unknown rpc name %q", q.Type)
	}
	return a, nil
}

func encodeResponse(r *Response) (bencode.Dict, error) {
	fromBytes, err := dhtid.Encode(r.From)
	if err != nil {
		return nil, invalidf(err, "response.id")
	}
	out := bencode.Dict{"id": string(fromBytes)}
	if r.Nodes != nil {
		buf := make([]byte, 0, len(r.Nodes)*26)
		for _, n := range r.Nodes {
			idb, err := dhtid.Encode(n.ID)
			if err != nil {
				return nil, invalidf(err, "response.nodes[].id")
			}
			epb, err := dhtid.EncodeEndpoint(n.Endpoint)
			if err != nil {
				return nil, invalidf(err, "response.nodes[].endpoint")
			}
			buf = append(buf, idb...)
			buf = append(buf, epb...)
		}
		out["nodes"] = string(buf)
	}
	if r.Peers != nil {
		buf := make([]byte, 0, len(r.Peers)*6)
		for _, p := range r.Peers {
			epb, err := dhtid.EncodeEndpoint(p)
			if err != nil {
				return nil, invalidf(err, "response.values[]")
			}
			buf = append(buf, epb...)
		}
		out["values"] = string(buf)
	}
	if r.Token != nil {
		out["token"] = string(tokenBytes(r.Token))
	}
	return out, nil
}

// tokenBytes renders a token as the minimal unsigned big-endian byte
// string, matching the transaction-id wire convention.
func tokenBytes(t *big.Int) []byte {
	if t.Sign() == 0 {
		return []byte{0}
	}
	return t.Bytes()
}

// Decode parses a bencoded datagram into a *Query, *Response, or *Error.
// Any structural defect results in an *InvalidMessageError; the caller
// (the transaction engine) is responsible for dropping the datagram.
func Decode(packet []byte) (interface{}, error) {
	v, err := bencode.Unmarshal(packet)
	if err != nil {
		log.Debugf("malformed bencode in %d-byte packet: %v", len(packet), err)
		return nil, invalidf(err, "bencode unmarshal")
	}
	top, ok := v.(bencode.Dict)
	if !ok {
		return nil, invalidf(nil, "top-level value is not a dict")
	}
	tidRaw, ok := top["t"]
	if !ok {
		return nil, invalidf(nil, "missing t")
	}
	tidBytes, ok := tidRaw.([]byte)
	if !ok {
		return nil, invalidf(nil, "t is not a byte string")
	}
	tid := btol(tidBytes)

	yRaw, ok := top["y"]
	if !ok {
		return nil, invalidf(nil, "missing y")
	}
	yBytes, ok := yRaw.([]byte)
	if !ok || len(yBytes) != 1 {
		return nil, invalidf(nil, "y is not a single-byte tag")
	}

	switch yBytes[0] {
	case 'q':
		return decodeQuery(top, tid)
	case 'r':
		return decodeResponse(top, tid)
	case 'e':
		return decodeError(top, tid)
	default:
		return nil, invalidf(nil, "unknown y tag %q", yBytes)
	}
}

func dictField(d bencode.Dict, key string) (bencode.Dict, error) {
	raw, ok := d[key]
	if !ok {
		return nil, invalidf(nil, "missing %s", key)
	}
	dict, ok := raw.(bencode.Dict)
	if !ok {
		return nil, invalidf(nil, "%s is not a dict", key)
	}
	return dict, nil
}

func bytesField(d bencode.Dict, key string) ([]byte, error) {
	raw, ok := d[key]
	if !ok {
		return nil, invalidf(nil, "missing %s", key)
	}
	b, ok := raw.([]byte)
	if !ok {
		return nil, invalidf(nil, "%s is not a byte string", key)
	}
	return b, nil
}

func intField(d bencode.Dict, key string) (int64, error) {
	raw, ok := d[key]
	if !ok {
		return 0, invalidf(nil, "missing %s", key)
	}
	n, ok := raw.(int64)
	if !ok {
		return 0, invalidf(nil, "%s is not an integer", key)
	}
	return n, nil
}

func decodeQuery(top bencode.Dict, tid uint32) (*Query, error) {
	qRaw, ok := top["q"]
	if !ok {
		return nil, invalidf(nil, "missing q")
	}
	qBytes, ok := qRaw.([]byte)
	if !ok {
		return nil, invalidf(nil, "q is not a byte string")
	}
	a, err := dictField(top, "a")
	if err != nil {
		return nil, err
	}
	idBytes, err := bytesField(a, "id")
	if err != nil {
		return nil, err
	}
	from, err := dhtid.Decode(idBytes)
	if err != nil {
		return nil, invalidf(err, "a.id")
	}

	q := &Query{TransactionID: tid, From: from, Type: RPCType(qBytes)}
	switch q.Type {
	case Ping:
	case FindNode:
		tb, err := bytesField(a, "target")
		if err != nil {
			return nil, err
		}
		target, err := dhtid.Decode(tb)
		if err != nil {
			return nil, invalidf(err, "a.target")
		}
		q.Target = target
	case GetPeers:
		ib, err := bytesField(a, "info_hash")
		if err != nil {
			return nil, err
		}
		ih, err := dhtid.Decode(ib)
		if err != nil {
			return nil, invalidf(err, "a.info_hash")
		}
		q.InfoHash = ih
	case AnnouncePeer:
		ib, err := bytesField(a, "info_hash")
		if err != nil {
			return nil, err
		}
		ih, err := dhtid.Decode(ib)
		if err != nil {
			return nil, invalidf(err, "a.info_hash")
		}
		q.InfoHash = ih

		port, err := intField(a, "port")
		if err != nil {
			return nil, err
		}
		if port < 0 || port > 0xffff {
			return nil, invalidf(dhtid.ErrBadPort, "a.port")
		}
		q.Port = int(port)

		tokBytes, err := bytesField(a, "token")
		if err != nil {
			return nil, err
		}
		q.Token = new(big.Int).SetBytes(tokBytes)
	default:
		return nil, invalidf(nil, "unknown rpc name %q", qBytes)
	}
	return q, nil
}

func decodeResponse(top bencode.Dict, tid uint32) (*Response, error) {
	r, err := dictField(top, "r")
	if err != nil {
		return nil, err
	}
	idBytes, err := bytesField(r, "id")
	if err != nil {
		return nil, err
	}
	from, err := dhtid.Decode(idBytes)
	if err != nil {
		return nil, invalidf(err, "r.id")
	}
	resp := &Response{TransactionID: tid, From: from}

	if nodesRaw, ok := r["nodes"]; ok {
		nb, ok := nodesRaw.([]byte)
		if !ok {
			return nil, invalidf(nil, "r.nodes is not a byte string")
		}
		nodes, err := decodeNodes(nb)
		if err != nil {
			return nil, err
		}
		resp.Nodes = nodes
	}
	if valuesRaw, ok := r["values"]; ok {
		list, ok := valuesRaw.(bencode.List)
		if ok {
			peers, err := decodeAddressList(list)
			if err != nil {
				return nil, err
			}
			resp.Peers = peers
		} else if vb, ok := valuesRaw.([]byte); ok {
			peers, err := decodeAddressBlob(vb)
			if err != nil {
				return nil, err
			}
			resp.Peers = peers
		} else {
			return nil, invalidf(nil, "r.values has unexpected shape")
		}
	}
	if tokRaw, ok := r["token"]; ok {
		tb, ok := tokRaw.([]byte)
		if !ok {
			return nil, invalidf(nil, "r.token is not a byte string")
		}
		resp.Token = new(big.Int).SetBytes(tb)
	}
	return resp, nil
}

func decodeNodes(b []byte) ([]Node, error) {
	if len(b)%26 != 0 {
		return nil, invalidf(nil, "nodes length %d is not a multiple of 26", len(b))
	}
	var out []Node
	for i := 0; i < len(b); i += 26 {
		id, err := dhtid.Decode(b[i : i+20])
		if err != nil {
			return nil, invalidf(err, "node id")
		}
		ep, err := dhtid.DecodeEndpoint(b[i+20 : i+26])
		if err != nil {
			return nil, invalidf(err, "node endpoint")
		}
		out = append(out, Node{ID: id, Endpoint: ep})
	}
	return out, nil
}

func decodeAddressBlob(b []byte) ([]dhtid.Endpoint, error) {
	if len(b)%6 != 0 {
		return nil, invalidf(nil, "values length %d is not a multiple of 6", len(b))
	}
	var out []dhtid.Endpoint
	for i := 0; i < len(b); i += 6 {
		ep, err := dhtid.DecodeEndpoint(b[i : i+6])
		if err != nil {
			return nil, invalidf(err, "value endpoint")
		}
		out = append(out, ep)
	}
	return out, nil
}

func decodeAddressList(list bencode.List) ([]dhtid.Endpoint, error) {
	var out []dhtid.Endpoint
	for _, item := range list {
		b, ok := item.([]byte)
		if !ok || len(b) != 6 {
			return nil, invalidf(nil, "value is not a 6-byte endpoint")
		}
		ep, err := dhtid.DecodeEndpoint(b)
		if err != nil {
			return nil, invalidf(err, "value endpoint")
		}
		out = append(out, ep)
	}
	return out, nil
}

func decodeError(top bencode.Dict, tid uint32) (*Error, error) {
	eRaw, ok := top["e"]
	if !ok {
		return nil, invalidf(nil, "missing e")
	}
	list, ok := eRaw.(bencode.List)
	if !ok || len(list) != 2 {
		return nil, invalidf(nil, "e is not a 2-element list")
	}
	code, ok := list[0].(int64)
	if !ok {
		return nil, invalidf(nil, "e[0] is not an integer")
	}
	if code != ErrGeneric && code != ErrServer && code != ErrProtocol {
		return nil, invalidf(nil, "error code %d not in {201,202,203}", code)
	}
	var msg string
	switch m := list[1].(type) {
	case []byte:
		msg = string(m)
	case string:
		msg = m
	default:
		return nil, invalidf(nil, "e[1] is not a string")
	}
	return &Error{TransactionID: tid, Code: int(code), Message: msg}, nil
}
