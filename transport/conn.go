// Package transport adapts the raw UDP socket to the fixed-width Endpoint
// type the rest of this module speaks, so the transaction engine (C3) never
// touches net.Addr directly.
package transport

import (
	"errors"
	"net"

	"github.com/nodedht/mdht/dhtid"
)

// Conn is the minimal datagram transport the transaction engine depends on.
// A production Conn is backed by a UDP socket; tests substitute an
// in-memory one (internal/fakenet) for deterministic concurrency.
type Conn interface {
	WriteTo(p []byte, to dhtid.Endpoint) error
	ReadFrom(p []byte) (n int, from dhtid.Endpoint, err error)
	Close() error
}

// ErrNotIPv4 is returned when a peer address cannot be represented as the
// IPv4 Endpoint this module exclusively models.
var ErrNotIPv4 = errors.New("transport: peer address is not IPv4")

type udpConn struct {
	pc net.PacketConn
}

// ListenUDP opens a UDP socket on the given local address (e.g. ":6881")
// and wraps it as a Conn.
func ListenUDP(laddr string) (Conn, error) {
	pc, err := net.ListenPacket("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return &udpConn{pc: pc}, nil
}

func (c *udpConn) WriteTo(p []byte, to dhtid.Endpoint) error {
	addr := &net.UDPAddr{IP: to.IP, Port: to.Port}
	_, err := c.pc.WriteTo(p, addr)
	return err
}

func (c *udpConn) ReadFrom(p []byte) (int, dhtid.Endpoint, error) {
	n, addr, err := c.pc.ReadFrom(p)
	if err != nil {
		return n, dhtid.Endpoint{}, err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return n, dhtid.Endpoint{}, ErrNotIPv4
	}
	ep, epErr := dhtid.NewEndpoint(udpAddr.IP, udpAddr.Port)
	if epErr != nil {
		return n, dhtid.Endpoint{}, epErr
	}
	return n, ep, nil
}

func (c *udpConn) Close() error {
	return c.pc.Close()
}
