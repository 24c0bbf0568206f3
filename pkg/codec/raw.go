package codec

import "fmt"

const RawName = "raw"

type rawCodec struct {
	limit int
}

// Raw returns a pass-through codec that stores the update bytes verbatim,
// rejecting anything larger than limit.
func Raw(limit int) Codec {
	return rawCodec{limit: limit}
}

func (c rawCodec) Name() string { return RawName }

func (c rawCodec) New() State { return &RawState{limit: c.limit} }

type RawState struct {
	limit int
	data  []byte
}

func (s *RawState) Size() int { return len(s.data) }

func (s *RawState) Write(dst []byte) (int, error) {
	if len(dst) < len(s.data) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, len(s.data), len(dst))
	}
	return copy(dst, s.data), nil
}

func (s *RawState) Read(src []byte) error {
	if s.limit > 0 && len(src) > s.limit {
		return fmt.Errorf("%w: %d > %d", ErrStateTooLarge, len(src), s.limit)
	}
	// reuse the backing array; states rarely change size between updates
	s.data = append(s.data[:0], src...)
	return nil
}
