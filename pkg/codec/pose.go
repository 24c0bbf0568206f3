package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	PoseName = "pose"

	poseFields = 9
	PoseSize   = poseFields * 4
)

// PoseState is a fixed-layout avatar pose. All fields are little-endian
// float32 on the wire, in declaration order.
type PoseState struct {
	Position  [3]float32
	BodyYaw   float32
	BodyPitch float32
	BodyRoll  float32
	HeadYaw   float32
	HeadPitch float32
	HeadRoll  float32
}

type poseCodec struct{}

func Pose() Codec { return poseCodec{} }

func (poseCodec) Name() string { return PoseName }

func (poseCodec) New() State { return &PoseState{} }

func (p *PoseState) Size() int { return PoseSize }

func (p *PoseState) fields() [poseFields]*float32 {
	return [poseFields]*float32{
		&p.Position[0], &p.Position[1], &p.Position[2],
		&p.BodyYaw, &p.BodyPitch, &p.BodyRoll,
		&p.HeadYaw, &p.HeadPitch, &p.HeadRoll,
	}
}

func (p *PoseState) Write(dst []byte) (int, error) {
	if len(dst) < PoseSize {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, PoseSize, len(dst))
	}
	for i, f := range p.fields() {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(*f))
	}
	return PoseSize, nil
}

// Read decodes the first PoseSize bytes of src. Trailing bytes are ignored
// so newer clients can append fields.
func (p *PoseState) Read(src []byte) error {
	if len(src) < PoseSize {
		return fmt.Errorf("%w: %d bytes, pose needs %d", ErrShortState, len(src), PoseSize)
	}
	var next PoseState
	for i, f := range next.fields() {
		*f = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	*p = next
	return nil
}
