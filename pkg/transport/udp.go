// Package transport provides the UDP socket the relay listens and sends on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"
)

// readBufferSize covers the largest possible UDP payload.
const readBufferSize = 64 << 10

var ErrClosed = errors.New("transport closed")

// Handler receives one datagram. b is owned by the handler.
type Handler func(b []byte, from netip.AddrPort)

// UDP is a bound datagram socket.
type UDP struct {
	conn   *net.UDPConn
	log    *zap.Logger
	closed atomic.Bool
}

// Listen binds a UDP socket on addr ("host:port", port 0 picks one).
func Listen(addr string, log *zap.Logger) (*UDP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &UDP{conn: conn, log: log}, nil
}

// LocalAddr is the bound address, useful when listening on port 0.
func (u *UDP) LocalAddr() netip.AddrPort {
	return unmap(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// WriteTo sends b to addr. It does not retain b.
func (u *UDP) WriteTo(b []byte, addr netip.AddrPort) error {
	if u.closed.Load() {
		return ErrClosed
	}
	_, err := u.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Serve reads datagrams until ctx is cancelled or the socket is closed,
// passing each to h in its own freshly allocated slice.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.log.Warn("udp read failed", zap.Error(err))
			continue
		}
		h(append([]byte(nil), buf[:n]...), unmap(from))
	}
}

// Close shuts the socket; a running Serve returns.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}

// unmap normalises IPv4-mapped IPv6 senders so the same client always
// compares equal regardless of socket family.
func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
