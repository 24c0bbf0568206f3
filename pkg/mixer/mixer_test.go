package mixer

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sharsein/hifi/pkg/codec"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

var errSend = errors.New("send failed")

type datagram struct {
	b  []byte
	to netip.AddrPort
}

// recorder is a Sender that keeps a copy of everything written to it.
type recorder struct {
	mu   sync.Mutex
	out  []datagram
	fail map[netip.AddrPort]bool
}

func (r *recorder) WriteTo(b []byte, to netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, datagram{b: append([]byte(nil), b...), to: to})
	if r.fail[to] {
		return errSend
	}
	return nil
}

// sentTo returns the datagrams of type t delivered to addr, in send order.
func (r *recorder) sentTo(addr netip.AddrPort, t wire.PacketType) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, d := range r.out {
		if d.to == addr && wire.PacketType(d.b[0]) == t {
			out = append(out, d.b)
		}
	}
	return out
}

func (r *recorder) all() []datagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]datagram(nil), r.out...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = nil
}

type staticPeers []netip.AddrPort

func (p staticPeers) PeerAddrs() []netip.AddrPort { return p }

func newDirectory() *directory.Directory {
	return directory.New(codecForTest())
}

func addr(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

// join attaches id at from and gives it a state of the given bytes.
func join(t *testing.T, d *directory.Directory, id uuid.UUID, from netip.AddrPort, state []byte) {
	t.Helper()
	d.Attach(id, from)
	if state != nil {
		require.NoError(t, d.UpdateState(id, state, from))
	}
}

func statePacket(id uuid.UUID, state []byte) []byte {
	return append(wire.IDPacket(wire.TypeAvatarData, id), state...)
}

// records decodes a bulk packet whose state sizes are known per id.
func records(t *testing.T, pkt []byte, sizes map[uuid.UUID]int) []wire.Record {
	t.Helper()
	p, err := wire.Payload(pkt)
	require.NoError(t, err)
	var out []wire.Record
	for len(p) > 0 {
		require.GreaterOrEqual(t, len(p), wire.IDSize, "truncated record id")
		var id uuid.UUID
		copy(id[:], p[:wire.IDSize])
		n, ok := sizes[id]
		require.True(t, ok, "record for unexpected id %s", id)
		require.GreaterOrEqual(t, len(p), wire.IDSize+n, "truncated record state")
		out = append(out, wire.Record{ID: id, State: p[wire.IDSize : wire.IDSize+n]})
		p = p[wire.IDSize+n:]
	}
	return out
}

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func codecForTest() codec.Codec {
	return codec.Raw(codec.MaxStateSize(wire.MaxPacketSize))
}
