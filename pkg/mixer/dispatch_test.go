package mixer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

func newMixer(t *testing.T, cfg Config, peers Peers) (*Mixer, *directory.Directory, *recorder) {
	t.Helper()
	out := &recorder{}
	d := directory.New(
		codecForTest(),
		directory.WithReplier(out),
		directory.WithLogger(zaptest.NewLogger(t)),
	)
	return New(cfg, d, out, peers, zaptest.NewLogger(t)), d, out
}

func TestDispatchJoinThenState(t *testing.T) {
	m, d, _ := newMixer(t, Config{}, nil)

	require.NoError(t, m.HandleDatagram(wire.IDPacket(wire.TypeJoin, idA), addrA))
	p, ok := d.Lookup(idA)
	require.True(t, ok)
	assert.False(t, p.HasState())
	assert.Equal(t, addrA, p.Addr())

	require.NoError(t, m.HandleDatagram(statePacket(idA, fill('a', 20)), addrB))
	assert.True(t, p.HasState())
	assert.Equal(t, 20, p.StateSize())
	assert.Equal(t, addrB, p.Addr(), "state updates rebind the address")
}

func TestDispatchStateFromUnknownParticipantIsDropped(t *testing.T) {
	m, d, _ := newMixer(t, Config{}, nil)

	require.NoError(t, m.HandleDatagram(statePacket(idA, fill('a', 20)), addrA))
	_, ok := d.Lookup(idA)
	assert.False(t, ok, "state updates never create participants")
}

func TestDispatchMalformed(t *testing.T) {
	m, _, _ := newMixer(t, Config{}, nil)

	cases := map[string][]byte{
		"empty":       {},
		"header only": {byte(wire.TypeAvatarData)},
		"short id":    append(wire.AppendHeader(nil, wire.TypeAvatarData), 1, 2, 3),
		"short kill":  wire.AppendHeader(nil, wire.TypeKillAvatar),
		"short join":  append(wire.AppendHeader(nil, wire.TypeJoin), 9),
		"short ping":  wire.AppendHeader(nil, wire.TypePing),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, m.HandleDatagram(b, addrA), wire.ErrShortPacket)
		})
	}
}

func TestDispatchBadVersion(t *testing.T) {
	m, _, _ := newMixer(t, Config{}, nil)
	b := statePacket(idA, fill('a', 4))
	b[1] = wire.Version + 1
	assert.ErrorIs(t, m.HandleDatagram(b, addrA), wire.ErrBadVersion)
}

func TestDispatchUnknownTagGoesToDirectory(t *testing.T) {
	m, _, _ := newMixer(t, Config{}, nil)
	b := wire.IDPacket(wire.PacketType('Z'), idA)
	assert.ErrorIs(t, m.HandleDatagram(b, addrA), directory.ErrUnhandledType)
}

func TestDispatchPingIsAnswered(t *testing.T) {
	m, d, out := newMixer(t, Config{}, nil)
	d.Attach(idA, addrA)

	require.NoError(t, m.HandleDatagram(wire.IDPacket(wire.TypePing, idA), addrA))

	replies := out.sentTo(addrA, wire.TypePingReply)
	require.Len(t, replies, 1)
	assert.Equal(t, wire.IDPacket(wire.TypePingReply, idA), replies[0])
}

func TestDispatchKill(t *testing.T) {
	relay := addr("10.9.9.9:40106")
	m, d, _ := newMixer(t, Config{}, staticPeers{relay})
	join(t, d, idA, addrA, fill('a', 8))

	err := m.HandleDatagram(wire.IDPacket(wire.TypeKillAvatar, idA), addrB)
	assert.ErrorIs(t, err, directory.ErrUnauthorized)
	_, ok := d.Lookup(idA)
	assert.True(t, ok)

	require.NoError(t, m.HandleDatagram(wire.IDPacket(wire.TypeKillAvatar, idA), addrA))
	_, ok = d.Lookup(idA)
	assert.False(t, ok)

	// killing an unknown participant is a no-op
	require.NoError(t, m.HandleDatagram(wire.IDPacket(wire.TypeKillAvatar, uuid.New()), addrA))
}

func TestHandleRecordsDrops(t *testing.T) {
	m, _, _ := newMixer(t, Config{}, nil)
	// must not panic on any input
	for _, b := range [][]byte{nil, {0}, {byte(wire.TypeKillAvatar)}, {byte(wire.TypeAvatarData), wire.Version}} {
		m.handle(Datagram{Data: b, From: addrA})
	}
}
