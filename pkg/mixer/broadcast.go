package mixer

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/sharsein/hifi/pkg/codec"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

// ErrRecordTooLarge reports a participant whose record cannot fit even in an
// otherwise empty packet; the record is skipped for that pass.
var ErrRecordTooLarge = errors.New("record does not fit in an empty packet")

// Stats summarises one broadcast pass.
type Stats struct {
	Receivers  int
	Packets    int
	Records    int
	Bytes      int
	SendErrors int
}

// Broadcaster assembles and sends the bulk avatar packets for one tick. It
// owns its packet and scratch buffers, so a Broadcaster must not run two
// passes concurrently.
type Broadcaster struct {
	dir Universe
	out Sender
	max int
	log *zap.Logger

	packet  []byte
	scratch []byte
}

// NewBroadcaster builds a broadcaster emitting packets of at most maxPacket
// bytes. A bound that cannot hold a header and one identifier falls back to
// wire.MaxPacketSize.
func NewBroadcaster(dir Universe, out Sender, maxPacket int, log *zap.Logger) *Broadcaster {
	if maxPacket <= wire.HeaderSize+wire.IDSize {
		maxPacket = wire.MaxPacketSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		dir:     dir,
		out:     out,
		max:     maxPacket,
		log:     log,
		packet:  make([]byte, 0, maxPacket),
		scratch: make([]byte, maxPacket-wire.HeaderSize),
	}
}

// Broadcast sends every reachable participant with state the current state
// of every other participant with state. Records keep directory order and
// are never split; a record that would overflow the current packet starts
// a new one. Cost is O(N^2) in the participant count.
func (b *Broadcaster) Broadcast() Stats {
	var st Stats
	universe := b.dir.Snapshot()

	for _, r := range universe {
		addr := r.Addr()
		if !addr.IsValid() || !r.HasState() {
			continue
		}
		st.Receivers++
		b.reset()

		for _, s := range universe {
			if s.ID() == r.ID() || !s.HasState() {
				continue
			}
			rec, err := b.record(s)
			if err != nil {
				b.log.Warn("skipping record", zap.Stringer("id", s.ID()), zap.Error(err))
				continue
			}
			if len(b.packet)+len(rec) > b.max {
				b.send(addr, &st)
				b.reset()
			}
			b.packet = append(b.packet, rec...)
			st.Records++
		}
		b.send(addr, &st)
	}
	return st
}

func (b *Broadcaster) reset() {
	b.packet = wire.AppendHeader(b.packet[:0], wire.TypeBulkAvatarData)
}

// record serialises s into the scratch buffer as id followed by state. The
// returned slice is only valid until the next call.
func (b *Broadcaster) record(s *directory.Participant) ([]byte, error) {
	id := s.ID()
	if len(b.scratch) < wire.IDSize {
		return nil, ErrRecordTooLarge
	}
	copy(b.scratch, id[:])
	n, err := s.WriteState(b.scratch[wire.IDSize:])
	if errors.Is(err, codec.ErrShortBuffer) {
		return nil, fmt.Errorf("%w: %w", ErrRecordTooLarge, err)
	}
	if err != nil {
		return nil, err
	}
	return b.scratch[:wire.IDSize+n], nil
}

func (b *Broadcaster) send(addr netip.AddrPort, st *Stats) {
	st.Packets++
	if err := b.out.WriteTo(b.packet, addr); err != nil {
		st.SendErrors++
		b.log.Warn("bulk send failed", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	st.Bytes += len(b.packet)
}
