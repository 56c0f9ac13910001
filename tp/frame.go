package tp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Identifier flag bits, SocketCAN layout.
const (
	FlagExtended uint32 = 0x80000000
	FlagRemote   uint32 = 0x40000000
	FlagError    uint32 = 0x20000000

	MaskStandard uint32 = 0x000007FF
	MaskExtended uint32 = 0x1FFFFFFF
)

const (
	ClassicMaxPayload = 8
	FDMaxPayload      = 64
)

// Frame is one CAN or CAN FD frame. ID carries the raw identifier plus the
// FlagExtended/FlagRemote/FlagError bits.
type Frame struct {
	ID   uint32
	Data []byte
}

// NewFrame copies data into a new Frame.
func NewFrame(id uint32, data []byte) Frame {
	return Frame{ID: id, Data: append([]byte(nil), data...)}
}

// Clone returns a deep copy; frames crossing goroutines are always cloned.
func (f Frame) Clone() Frame {
	return NewFrame(f.ID, f.Data)
}

func (f Frame) IsExtended() bool { return f.ID&FlagExtended != 0 }
func (f Frame) IsRemote() bool   { return f.ID&FlagRemote != 0 }
func (f Frame) IsError() bool    { return f.ID&FlagError != 0 }
func (f Frame) IsFD() bool       { return len(f.Data) > ClassicMaxPayload }

// Identifier returns the 11 or 29 bit identifier without flag bits.
func (f Frame) Identifier() uint32 {
	if f.IsExtended() {
		return f.ID & MaskExtended
	}
	return f.ID & MaskStandard
}

// Validate checks the identifier range and that the data length is a legal
// CAN or CAN FD length.
func (f Frame) Validate() error {
	if !f.IsExtended() && f.ID&MaskExtended&^MaskStandard != 0 {
		return InvalidFrameError{IsoTpError: NewIsoTpError(fmt.Sprintf("standard identifier 0x%X out of range", f.ID&MaskExtended))}
	}
	if !ValidFrameLength(len(f.Data)) {
		return InvalidFrameError{IsoTpError: NewIsoTpError(fmt.Sprintf("invalid frame length %d", len(f.Data)))}
	}
	return nil
}

// ValidFrameLength reports whether n bytes maps onto a CAN FD DLC exactly.
func ValidFrameLength(n int) bool {
	if n >= 0 && n <= ClassicMaxPayload {
		return true
	}
	switch n {
	case 12, 16, 20, 24, 32, 48, 64:
		return true
	}
	return false
}

func (f Frame) String() string {
	var idStr string
	if f.IsExtended() {
		idStr = fmt.Sprintf("%08x", f.Identifier())
	} else {
		idStr = fmt.Sprintf("%03x", f.Identifier())
	}
	var flags []string
	if f.IsFD() {
		flags = append(flags, "fd")
	}
	if f.IsRemote() {
		flags = append(flags, "rtr")
	}
	if f.IsError() {
		flags = append(flags, "err")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("<Frame %s [%d]%s \"%s\">", idStr, len(f.Data), flagStr, hex.EncodeToString(f.Data))
}
