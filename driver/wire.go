package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/brutella/can"
)

// SocketCAN frame sizes: struct can_frame and struct canfd_frame.
const (
	classicFrameSize = 16
	fdFrameSize      = 72

	// canfd_frame.flags
	fdFlagBRS = 0x01
	fdFlagFDF = 0x04
)

// marshalFrame encodes frame in the Linux can_frame layout, or canfd_frame
// when the payload is longer than 8 bytes or fd is set.
func marshalFrame(frame tp.Frame, fd bool) ([]byte, error) {
	if !fd && len(frame.Data) <= tp.ClassicMaxPayload {
		cf := can.Frame{ID: frame.ID, Length: uint8(len(frame.Data))}
		copy(cf.Data[:], frame.Data)
		return can.Marshal(cf)
	}
	if len(frame.Data) > tp.FDMaxPayload {
		return nil, fmt.Errorf("driver: payload of %d bytes too long for CAN FD", len(frame.Data))
	}
	b := make([]byte, fdFrameSize)
	binary.LittleEndian.PutUint32(b[0:4], frame.ID)
	b[4] = byte(len(frame.Data))
	b[5] = fdFlagBRS | fdFlagFDF
	copy(b[8:], frame.Data)
	return b, nil
}

// unmarshalFrame decodes a can_frame or canfd_frame, chosen by length.
func unmarshalFrame(b []byte) (tp.Frame, error) {
	switch len(b) {
	case classicFrameSize:
		var cf can.Frame
		if err := can.Unmarshal(b, &cf); err != nil {
			return tp.Frame{}, err
		}
		n := int(cf.Length)
		if n > tp.ClassicMaxPayload {
			n = tp.ClassicMaxPayload
		}
		return tp.NewFrame(cf.ID, cf.Data[:n]), nil
	case fdFrameSize:
		n := int(b[4])
		if n > tp.FDMaxPayload {
			return tp.Frame{}, fmt.Errorf("driver: canfd_frame length %d", n)
		}
		return tp.NewFrame(binary.LittleEndian.Uint32(b[0:4]), b[8:8+n]), nil
	}
	return tp.Frame{}, fmt.Errorf("driver: unexpected frame size %d", len(b))
}
