package mixer

import (
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

// Enqueue hands an inbound datagram to the scheduler. It never blocks; when
// the inbox is full the datagram is dropped and false returned.
func (m *Mixer) Enqueue(b []byte, from netip.AddrPort) bool {
	select {
	case m.inbox <- Datagram{Data: b, From: from}:
		return true
	default:
		telemetry.DatagramsDropped.WithLabelValues("inbox_full").Inc()
		return false
	}
}

// HandleDatagram routes one datagram by its type tag. Unknown participants
// on a state update are not an error.
func (m *Mixer) HandleDatagram(b []byte, from netip.AddrPort) error {
	t, err := wire.Type(b)
	if err != nil {
		return err
	}
	telemetry.DatagramsReceived.WithLabelValues(t.String()).Inc()

	switch t {
	case wire.TypeAvatarData:
		id, err := wire.ReadID(b)
		if err != nil {
			return err
		}
		if _, ok := m.dir.Lookup(id); !ok {
			telemetry.DatagramsDropped.WithLabelValues("unknown_participant").Inc()
			return nil
		}
		return m.dir.UpdateState(id, b[wire.HeaderSize+wire.IDSize:], from)
	case wire.TypeKillAvatar:
		return m.dir.ProcessKill(b, from)
	default:
		return m.dir.ProcessNodeData(b, from)
	}
}

// handle dispatches d and records why it was dropped, if it was.
func (m *Mixer) handle(d Datagram) {
	err := m.HandleDatagram(d.Data, d.From)
	if err == nil {
		return
	}
	reason := "rejected"
	switch {
	case errors.Is(err, wire.ErrShortPacket):
		reason = "malformed"
	case errors.Is(err, wire.ErrBadVersion):
		reason = "version"
	case errors.Is(err, directory.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, directory.ErrUnhandledType):
		reason = "unhandled"
	}
	telemetry.DatagramsDropped.WithLabelValues(reason).Inc()
	m.log.Debug("datagram dropped",
		zap.String("reason", reason),
		zap.Stringer("from", d.From),
		zap.Int("len", len(d.Data)),
		zap.Error(err),
	)
}
