package tp

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// --- Encoder tests ---

func TestEncodeSingleFrame(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		maxPayload int
		want       []byte
		wantErr    bool
	}{
		{"empty", []byte{}, 8, []byte{0x00}, false},
		{"three bytes", []byte{0x11, 0x22, 0x33}, 8, []byte{0x03, 0x11, 0x22, 0x33}, false},
		{"seven bytes classic", []byte{1, 2, 3, 4, 5, 6, 7}, 8, []byte{0x07, 1, 2, 3, 4, 5, 6, 7}, false},
		{"eight bytes classic", []byte{1, 2, 3, 4, 5, 6, 7, 8}, 8, nil, true},
		{"ten bytes fd escape", bytes.Repeat([]byte{0xAB}, 10), 64,
			append([]byte{0x00, 0x0A}, bytes.Repeat([]byte{0xAB}, 10)...), false},
		{"62 bytes fd", bytes.Repeat([]byte{0x01}, 62), 64,
			append([]byte{0x00, 62}, bytes.Repeat([]byte{0x01}, 62)...), false},
		{"63 bytes fd", bytes.Repeat([]byte{0x01}, 63), 64, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeSingleFrame(tt.data, tt.maxPayload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeSingleFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encodeSingleFrame() = %X, want %X", got, tt.want)
			}
		})
	}
}

func TestFitsSingleFrameBoundary(t *testing.T) {
	// Classic CAN: 7 bytes fit, 8 do not.
	for n := 0; n <= 20; n++ {
		if got, want := fitsSingleFrame(n, ClassicMaxPayload), n <= 7; got != want {
			t.Errorf("fitsSingleFrame(%d, 8) = %v, want %v", n, got, want)
		}
	}
	if !fitsSingleFrame(10, 12) || fitsSingleFrame(11, 12) {
		t.Errorf("12 byte frames should carry at most 10 bytes")
	}
}

func TestEncodeFirstFrame(t *testing.T) {
	chunk := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	got, err := encodeFirstFrame(100, chunk, 8)
	if err != nil {
		t.Fatalf("encodeFirstFrame: %v", err)
	}
	want := append([]byte{0x10, 0x64}, chunk...)
	if !bytes.Equal(got, want) {
		t.Errorf("encodeFirstFrame() = %X, want %X", got, want)
	}

	got, err = encodeFirstFrame(MaxMessageSize, chunk, 8)
	if err != nil {
		t.Fatalf("encodeFirstFrame(4095): %v", err)
	}
	if got[0] != 0x1F || got[1] != 0xFF {
		t.Errorf("4095 length encoded as %02X %02X", got[0], got[1])
	}

	_, err = encodeFirstFrame(MaxMessageSize+1, chunk, 8)
	var tooLarge MessageTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Size != MaxMessageSize+1 {
		t.Errorf("expected MessageTooLargeError, got %v", err)
	}
}

func TestEncodeConsecutiveFrame(t *testing.T) {
	got, err := encodeConsecutiveFrame(15, []byte{1, 2, 3}, 8)
	if err != nil {
		t.Fatalf("encodeConsecutiveFrame: %v", err)
	}
	if !bytes.Equal(got, []byte{0x2F, 1, 2, 3}) {
		t.Errorf("encodeConsecutiveFrame() = %X", got)
	}
	if _, err := encodeConsecutiveFrame(16, nil, 8); err == nil {
		t.Error("sequence 16 should be rejected")
	}
	if _, err := encodeConsecutiveFrame(1, make([]byte, 8), 8); err == nil {
		t.Error("8 data bytes do not fit a classic consecutive frame")
	}
}

func TestEncodeFlowControl(t *testing.T) {
	tests := []struct {
		status FlowStatus
		bs     uint8
		st     time.Duration
		want   []byte
	}{
		{FlowStatusContinueToSend, 0, 0, []byte{0x30, 0x00, 0x00}},
		{FlowStatusWait, 8, 5 * time.Millisecond, []byte{0x31, 0x08, 0x05}},
		{FlowStatusOverflow, 0, 300 * time.Microsecond, []byte{0x32, 0x00, 0xF3}},
	}
	for _, tt := range tests {
		if got := encodeFlowControl(tt.status, tt.bs, tt.st); !bytes.Equal(got, tt.want) {
			t.Errorf("encodeFlowControl(%v, %d, %v) = %X, want %X", tt.status, tt.bs, tt.st, got, tt.want)
		}
	}
}

func TestPadFrameData(t *testing.T) {
	got := padFrameData([]byte{0x02, 0x10, 0x03}, 0xAA)
	if !bytes.Equal(got, []byte{0x02, 0x10, 0x03, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Errorf("classic padding = %X", got)
	}
	got = padFrameData(make([]byte, 13), 0xCC)
	if len(got) != 16 || got[15] != 0xCC || got[12] != 0x00 {
		t.Errorf("fd padding = %X", got)
	}
	full := make([]byte, 8)
	if got := padFrameData(full, 0xAA); len(got) != 8 {
		t.Errorf("full frame padded to %d", len(got))
	}
}

// --- Decoder tests ---

func TestDecodePDU(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    PDU
		wantErr bool
	}{
		{"sf", []byte{0x03, 0x11, 0x22, 0x33, 0x00, 0x00}, SingleFrame{Data: []byte{0x11, 0x22, 0x33}}, false},
		{"sf empty", []byte{0x00, 0xAA, 0xAA}, SingleFrame{Data: []byte{}}, false},
		{"sf short", []byte{0x05, 0x11}, nil, true},
		{"sf fd escape", append([]byte{0x00, 0x0A}, bytes.Repeat([]byte{0x01}, 10)...),
			SingleFrame{Data: bytes.Repeat([]byte{0x01}, 10)}, false},
		{"ff", []byte{0x10, 0x64, 1, 2, 3, 4, 5, 6}, FirstFrame{TotalSize: 100, Data: []byte{1, 2, 3, 4, 5, 6}}, false},
		{"ff 32 bit length", []byte{0x10, 0x00, 0x00, 0x00, 0x10, 0x00, 0xAA, 0xBB},
			FirstFrame{TotalSize: 4096, Data: []byte{0xAA, 0xBB}}, false},
		{"ff short", []byte{0x10}, nil, true},
		{"cf", []byte{0x21, 7, 8}, ConsecutiveFrame{SequenceNumber: 1, Data: []byte{7, 8}}, false},
		{"fc", []byte{0x30, 0x08, 0x14}, FlowControlFrame{FlowStatus: FlowStatusContinueToSend, BlockSize: 8, STmin: 20 * time.Millisecond}, false},
		{"fc micro", []byte{0x31, 0x00, 0xF5}, FlowControlFrame{FlowStatus: FlowStatusWait, STmin: 500 * time.Microsecond}, false},
		{"fc reserved status", []byte{0x33, 0x00, 0x00}, nil, true},
		{"fc short", []byte{0x30, 0x00}, nil, true},
		{"unknown pci", []byte{0x40, 0x00}, nil, true},
		{"empty", []byte{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePDU(tt.payload)
			if tt.wantErr {
				var invalid InvalidFrameError
				if !errors.As(err, &invalid) {
					t.Fatalf("DecodePDU(%X) error = %v, want InvalidFrameError", tt.payload, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePDU(%X): %v", tt.payload, err)
			}
			if !pduEqual(got, tt.want) {
				t.Errorf("DecodePDU(%X) = %#v, want %#v", tt.payload, got, tt.want)
			}
		})
	}
}

func pduEqual(a, b PDU) bool {
	switch x := a.(type) {
	case SingleFrame:
		y, ok := b.(SingleFrame)
		return ok && bytes.Equal(x.Data, y.Data)
	case FirstFrame:
		y, ok := b.(FirstFrame)
		return ok && x.TotalSize == y.TotalSize && bytes.Equal(x.Data, y.Data)
	case ConsecutiveFrame:
		y, ok := b.(ConsecutiveFrame)
		return ok && x.SequenceNumber == y.SequenceNumber && bytes.Equal(x.Data, y.Data)
	case FlowControlFrame:
		y, ok := b.(FlowControlFrame)
		return ok && x == y
	}
	return false
}

func TestSingleFrameRoundTrip(t *testing.T) {
	for _, maxPayload := range []int{8, 12, 64} {
		for n := 0; fitsSingleFrame(n, maxPayload); n++ {
			data := make([]byte, n)
			for i := range data {
				data[i] = byte(i + 1)
			}
			encoded, err := encodeSingleFrame(data, maxPayload)
			if err != nil {
				t.Fatalf("encode %d/%d: %v", n, maxPayload, err)
			}
			if maxPayload > ClassicMaxPayload {
				encoded = padFrameData(encoded, 0xCC)
			}
			pdu, err := DecodePDU(encoded)
			if err != nil {
				t.Fatalf("decode %d/%d: %v", n, maxPayload, err)
			}
			sf, ok := pdu.(SingleFrame)
			if !ok || !bytes.Equal(sf.Data, data) {
				t.Errorf("round trip %d/%d = %#v", n, maxPayload, pdu)
			}
		}
	}
}

func TestFlowStatusString(t *testing.T) {
	if FlowStatusWait.String() != "wait" || FlowStatus(7).String() != "reserved(7)" {
		t.Errorf("unexpected FlowStatus strings")
	}
}
