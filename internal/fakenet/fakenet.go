// Package fakenet provides an in-memory transport.Conn implementation, so the
// transaction engine's concurrency contract (spec §5) can be exercised by
// tests without opening real sockets.
package fakenet

import (
	"errors"
	"net"
	"sync"

	"github.com/nodedht/mdht/dhtid"
)

// ErrClosed is returned by a read/write on a closed Conn.
var ErrClosed = errors.New("fakenet: conn is closed")

type datagram struct {
	payload []byte
	from    dhtid.Endpoint
}

// Conn is a registered peer on a shared Network, reachable by its Endpoint.
type Conn struct {
	net  *Network
	self dhtid.Endpoint

	mu     sync.Mutex
	closed bool
	inbox  chan datagram
}

// Network is a mailbox router shared by every Conn created against it —
// it exists only so one process can simulate many DHT nodes exchanging
// datagrams without touching the OS network stack.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Conn
}

// NewNetwork constructs an empty mailbox router.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Conn)}
}

// Listen registers a new Conn at ep. Registering the same Endpoint twice
// replaces the previous registration.
func (n *Network) Listen(ep dhtid.Endpoint) *Conn {
	c := &Conn{net: n, self: ep, inbox: make(chan datagram, 256)}
	n.mu.Lock()
	n.peers[ep.String()] = c
	n.mu.Unlock()
	return c
}

func (n *Network) lookup(ep dhtid.Endpoint) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[ep.String()]
}

// WriteTo delivers p to the Conn registered at `to`, or silently drops it
// if no such peer is registered (mirroring a real UDP socket: there is no
// delivery guarantee and no error on an unreachable destination).
func (c *Conn) WriteTo(p []byte, to dhtid.Endpoint) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	dst := c.net.lookup(to)
	if dst == nil {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case dst.inbox <- datagram{payload: cp, from: c.self}:
	default:
		// inbox full: drop, same as a real socket under backpressure.
	}
	return nil
}

// ReadFrom blocks until a datagram arrives or the Conn is closed.
func (c *Conn) ReadFrom(p []byte) (int, dhtid.Endpoint, error) {
	dg, ok := <-c.inbox
	if !ok {
		return 0, dhtid.Endpoint{}, ErrClosed
	}
	n := copy(p, dg.payload)
	return n, dg.from, nil
}

// Close unregisters the Conn and unblocks any pending ReadFrom.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.net.mu.Lock()
	if c.net.peers[c.self.String()] == c {
		delete(c.net.peers, c.self.String())
	}
	c.net.mu.Unlock()
	close(c.inbox)
	return nil
}

// LoopbackEndpoint builds a unique 127.0.0.1 endpoint for test fixtures.
func LoopbackEndpoint(port int) dhtid.Endpoint {
	ep, _ := dhtid.NewEndpoint(net.IPv4(127, 0, 0, 1), port)
	return ep
}
