package tp

import "time"

// ProtocolParameters is the per-broker ISO-TP configuration. It is fixed at
// Bind and read by every goroutine without locking.
type ProtocolParameters struct {
	// Block size and STmin advertised in the flow control frames we send.
	InboundBlockSize      uint8
	InboundSeparationTime time.Duration

	// OutboundTimeout bounds the wait for a peer flow control frame (N_Bs).
	OutboundTimeout time.Duration
	// InboundTimeout evicts partial messages with no activity (N_Cr).
	InboundTimeout time.Duration

	// MaxPayload is the CAN payload size: 8 for classic CAN, up to 64 for FD.
	MaxPayload int

	// Padding, if not nil, pads every transmitted frame to 8 bytes or to the
	// next FD length.
	Padding *byte

	// MaxWaitFrames (WFTmax) caps consecutive Wait frames per block. 0 means unlimited.
	MaxWaitFrames int

	// PollTimeout is how long the reader blocks in PollReadable.
	PollTimeout time.Duration
}

// DefaultParameters returns the ISO 15765-2 recommended values.
func DefaultParameters() ProtocolParameters {
	return ProtocolParameters{
		InboundBlockSize:      0, // unlimited
		InboundSeparationTime: 0,

		OutboundTimeout: 1000 * time.Millisecond,
		InboundTimeout:  1000 * time.Millisecond,

		MaxPayload:  ClassicMaxPayload,
		PollTimeout: 100 * time.Millisecond,
	}
}

// Validate checks the parameters are usable.
func (p ProtocolParameters) Validate() error {
	if p.OutboundTimeout <= 0 {
		return invalidConfig("outbound timeout must be positive, got %v", p.OutboundTimeout)
	}
	if p.InboundTimeout <= 0 {
		return invalidConfig("inbound timeout must be positive, got %v", p.InboundTimeout)
	}
	if p.PollTimeout <= 0 {
		return invalidConfig("poll timeout must be positive, got %v", p.PollTimeout)
	}
	if p.MaxPayload < ClassicMaxPayload || p.MaxPayload > FDMaxPayload || !ValidFrameLength(p.MaxPayload) {
		return invalidConfig("max payload must be 8, 12, 16, 20, 24, 32, 48 or 64, got %d", p.MaxPayload)
	}
	if p.InboundSeparationTime < 0 || p.InboundSeparationTime > 127*time.Millisecond {
		return invalidConfig("inbound separation time must be within 0..127ms, got %v", p.InboundSeparationTime)
	}
	if p.MaxWaitFrames < 0 {
		return invalidConfig("max wait frames must not be negative, got %d", p.MaxWaitFrames)
	}
	return nil
}

// SeparationTimeToByte encodes an STmin duration. Sub-millisecond values
// round to the nearest 100us step (0xF1..0xF9); a value that rounds up to a
// full millisecond encodes as 0x01. Values above 127ms saturate.
func SeparationTimeToByte(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	if d >= time.Millisecond {
		ms := d / time.Millisecond
		if ms > 0x7F {
			return 0x7F
		}
		return byte(ms)
	}
	steps := (d + 50*time.Microsecond) / (100 * time.Microsecond)
	switch {
	case steps == 10:
		return 0x01
	case steps == 0:
		return 0xF1
	}
	return 0xF0 + byte(steps)
}

// ByteToSeparationTime decodes an STmin byte. Reserved values are read as
// the maximum, 127ms.
func ByteToSeparationTime(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}
