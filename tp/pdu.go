package tp

import (
	"encoding/binary"
	"time"
)

// PDU is one decoded ISO-TP frame: SingleFrame, FirstFrame,
// ConsecutiveFrame or FlowControlFrame.
type PDU interface {
	isPDU()
}

type SingleFrame struct{ Data []byte }

type FirstFrame struct {
	TotalSize int
	Data      []byte
}

type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  uint8
	STmin      time.Duration
}

func (SingleFrame) isPDU()      {}
func (FirstFrame) isPDU()       {}
func (ConsecutiveFrame) isPDU() {}
func (FlowControlFrame) isPDU() {}

// DecodePDU parses a CAN payload. The returned data slices alias payload.
func DecodePDU(payload []byte) (PDU, error) {
	if len(payload) == 0 {
		return nil, invalidFrame("empty CAN payload")
	}

	pciType := payload[0] & 0xF0
	switch pciType {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 && len(payload) > ClassicMaxPayload {
			// CAN FD 转义长度
			length = int(payload[1])
			if len(payload)-2 < length {
				return nil, invalidFrame("SF(FD) data incomplete: want %d bytes, have %d", length, len(payload)-2)
			}
			return SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if len(payload)-1 < length {
			return nil, invalidFrame("SF data incomplete: want %d bytes, have %d", length, len(payload)-1)
		}
		return SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, invalidFrame("FF shorter than 2 bytes")
		}
		totalSize := int(payload[0]&0x0F)<<8 | int(payload[1])
		dataStart := 2
		if totalSize == 0 {
			// 32 位长度
			if len(payload) < 6 {
				return nil, invalidFrame("FF with escaped length shorter than 6 bytes")
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			dataStart = 6
		}
		return FirstFrame{TotalSize: totalSize, Data: payload[dataStart:]}, nil

	case pciTypeConsecutiveFrame:
		return ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil

	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, invalidFrame("FC shorter than 3 bytes")
		}
		status := FlowStatus(payload[0] & 0x0F)
		if status > FlowStatusOverflow {
			return nil, invalidFrame("FC with reserved flow status %d", status)
		}
		return FlowControlFrame{
			FlowStatus: status,
			BlockSize:  payload[1],
			STmin:      ByteToSeparationTime(payload[2]),
		}, nil
	}
	return nil, invalidFrame("unknown PCI type 0x%02X", pciType)
}
