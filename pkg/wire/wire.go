// Package wire defines the datagram layout shared by the relay and its
// clients: a two byte header (packet type, protocol version) followed by a
// type specific payload.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type PacketType byte

const (
	TypeAvatarData     PacketType = 'H' // participant -> relay: id + state
	TypeBulkAvatarData PacketType = 'X' // relay -> participant: records
	TypeKillAvatar     PacketType = 'K' // removal notice: id
	TypeJoin           PacketType = 'J' // participant -> relay: id
	TypePing           PacketType = 'P'
	TypePingReply      PacketType = 'p'
)

const (
	Version byte = 1

	HeaderSize = 2
	IDSize     = 16

	// MaxPacketSize is the largest datagram the relay will ever emit.
	MaxPacketSize = 1500
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrBadVersion  = errors.New("unsupported protocol version")
	ErrStateSize   = errors.New("invalid state size")
)

func (t PacketType) String() string {
	switch t {
	case TypeAvatarData:
		return "avatar_data"
	case TypeBulkAvatarData:
		return "bulk_avatar_data"
	case TypeKillAvatar:
		return "kill_avatar"
	case TypeJoin:
		return "join"
	case TypePing:
		return "ping"
	case TypePingReply:
		return "ping_reply"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// PutHeader writes the header for t into dst and returns the bytes used.
// dst must hold at least HeaderSize bytes.
func PutHeader(dst []byte, t PacketType) int {
	dst[0] = byte(t)
	dst[1] = Version
	return HeaderSize
}

// AppendHeader appends the header for t to dst.
func AppendHeader(dst []byte, t PacketType) []byte {
	return append(dst, byte(t), Version)
}

// Type returns the packet type tag. Empty packets report ErrShortPacket.
func Type(b []byte) (PacketType, error) {
	if len(b) == 0 {
		return 0, ErrShortPacket
	}
	return PacketType(b[0]), nil
}

// Payload validates the header and returns everything after it.
func Payload(b []byte) ([]byte, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortPacket, len(b), HeaderSize)
	}
	if b[1] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b[1])
	}
	return b[HeaderSize:], nil
}

// ReadID parses the participant identifier at the start of the payload of b.
func ReadID(b []byte) (uuid.UUID, error) {
	p, err := Payload(b)
	if err != nil {
		return uuid.Nil, err
	}
	if len(p) < IDSize {
		return uuid.Nil, fmt.Errorf("%w: payload %d bytes, id needs %d", ErrShortPacket, len(p), IDSize)
	}
	var id uuid.UUID
	copy(id[:], p[:IDSize])
	return id, nil
}

// IDPacket builds a header followed by a bare identifier, the layout used by
// join, ping and kill packets.
func IDPacket(t PacketType, id uuid.UUID) []byte {
	b := make([]byte, 0, HeaderSize+IDSize)
	b = AppendHeader(b, t)
	return append(b, id[:]...)
}

// Record is one (identifier, state) unit inside a bulk packet.
type Record struct {
	ID    uuid.UUID
	State []byte
}

// SplitRecords decodes the payload of a bulk packet whose records all carry
// states of exactly stateSize bytes. Clients of a fixed-layout codec use it.
func SplitRecords(b []byte, stateSize int) ([]Record, error) {
	if stateSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrStateSize, stateSize)
	}
	p, err := Payload(b)
	if err != nil {
		return nil, err
	}
	n := IDSize + stateSize
	if len(p)%n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrShortPacket, len(p)%n)
	}
	out := make([]Record, 0, len(p)/n)
	for off := 0; off < len(p); off += n {
		var r Record
		copy(r.ID[:], p[off:off+IDSize])
		r.State = p[off+IDSize : off+n]
		out = append(out, r)
	}
	return out, nil
}
