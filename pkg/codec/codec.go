// Package codec owns the encoding of per-participant state. The relay only
// ever asks a State how large it is, to write itself out, or to replace
// itself from raw bytes.
package codec

import (
	"errors"
	"fmt"

	"github.com/sharsein/hifi/pkg/wire"
)

var (
	ErrStateTooLarge = errors.New("state exceeds record budget")
	ErrShortState    = errors.New("state too short")
	ErrShortBuffer   = errors.New("destination buffer too small")
	ErrUnknownCodec  = errors.New("unknown state codec")
)

// State is the opaque state attached to a participant.
type State interface {
	// Size reports the exact number of bytes Write will produce.
	Size() int
	// Write serialises the state into dst and returns the bytes written.
	Write(dst []byte) (int, error)
	// Read replaces the state wholesale from src.
	Read(src []byte) error
}

type Codec interface {
	Name() string
	New() State
}

// MaxStateSize is the largest state that still fits as a single record in a
// packet of maxPacket bytes.
func MaxStateSize(maxPacket int) int {
	return maxPacket - wire.HeaderSize - wire.IDSize
}

// ByName returns the codec registered under name, bounded for packets of
// maxPacket bytes.
func ByName(name string, maxPacket int) (Codec, error) {
	switch name {
	case "", RawName:
		return Raw(MaxStateSize(maxPacket)), nil
	case PoseName:
		if PoseSize > MaxStateSize(maxPacket) {
			return nil, fmt.Errorf("%w: pose needs %d bytes, budget is %d", ErrStateTooLarge, PoseSize, MaxStateSize(maxPacket))
		}
		return Pose(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
