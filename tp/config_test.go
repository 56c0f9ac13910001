package tp

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultParametersValid(t *testing.T) {
	p := DefaultParameters()
	if err := p.Validate(); err != nil {
		t.Fatalf("DefaultParameters().Validate() = %v", err)
	}
	if p.OutboundTimeout != time.Second || p.InboundTimeout != time.Second {
		t.Errorf("default timeouts = %v/%v", p.OutboundTimeout, p.InboundTimeout)
	}
	if p.MaxPayload != 8 || p.Padding != nil || p.InboundBlockSize != 0 {
		t.Errorf("unexpected defaults: %+v", p)
	}
}

func TestParametersValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ProtocolParameters)
	}{
		{"zero outbound timeout", func(p *ProtocolParameters) { p.OutboundTimeout = 0 }},
		{"negative inbound timeout", func(p *ProtocolParameters) { p.InboundTimeout = -time.Second }},
		{"zero poll timeout", func(p *ProtocolParameters) { p.PollTimeout = 0 }},
		{"payload 7", func(p *ProtocolParameters) { p.MaxPayload = 7 }},
		{"payload 10", func(p *ProtocolParameters) { p.MaxPayload = 10 }},
		{"payload 128", func(p *ProtocolParameters) { p.MaxPayload = 128 }},
		{"separation time 200ms", func(p *ProtocolParameters) { p.InboundSeparationTime = 200 * time.Millisecond }},
		{"negative wait frames", func(p *ProtocolParameters) { p.MaxWaitFrames = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			tt.modify(&p)
			var cfgErr InvalidConfigError
			if err := p.Validate(); !errors.As(err, &cfgErr) {
				t.Errorf("Validate() = %v, want InvalidConfigError", err)
			}
		})
	}

	p := DefaultParameters()
	p.MaxPayload = 64
	if err := p.Validate(); err != nil {
		t.Errorf("FD payload 64 rejected: %v", err)
	}
}

func TestSeparationTimeToByte(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want byte
	}{
		{0, 0x00},
		{time.Millisecond, 0x01},
		{20 * time.Millisecond, 0x14},
		{127 * time.Millisecond, 0x7F},
		{500 * time.Millisecond, 0x7F},
		{1500 * time.Microsecond, 0x01},
		{100 * time.Microsecond, 0xF1},
		{400 * time.Microsecond, 0xF4},
		{900 * time.Microsecond, 0xF9},
		{940 * time.Microsecond, 0xF9},
		{960 * time.Microsecond, 0x01}, // rounds up to a whole millisecond
		{10 * time.Microsecond, 0xF1},
	}
	for _, tt := range tests {
		if got := SeparationTimeToByte(tt.in); got != tt.want {
			t.Errorf("SeparationTimeToByte(%v) = 0x%02X, want 0x%02X", tt.in, got, tt.want)
		}
	}
}

func TestByteToSeparationTime(t *testing.T) {
	tests := []struct {
		in   byte
		want time.Duration
	}{
		{0x00, 0},
		{0x0A, 10 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 127 * time.Millisecond},
		{0xF0, 127 * time.Millisecond},
		{0xFA, 127 * time.Millisecond},
		{0xFF, 127 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := ByteToSeparationTime(tt.in); got != tt.want {
			t.Errorf("ByteToSeparationTime(0x%02X) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeparationTimeRoundTrip(t *testing.T) {
	for b := 0; b <= 0xFF; b++ {
		if !(b <= 0x7F || (b >= 0xF1 && b <= 0xF9)) {
			continue
		}
		got := SeparationTimeToByte(ByteToSeparationTime(byte(b)))
		if got != byte(b) {
			t.Errorf("round trip 0x%02X -> 0x%02X", b, got)
		}
	}
}

func TestQueueSettingsValidate(t *testing.T) {
	tests := []struct {
		settings QueueSettings
		ok       bool
	}{
		{DefaultQueueSettings(), true},
		{QueueSettings{Capacity: 100, LowWatermark: 70, HighWatermark: 90}, true},
		{QueueSettings{Capacity: 100, LowWatermark: 0, HighWatermark: 99}, true},
		{QueueSettings{Capacity: 100, LowWatermark: 90, HighWatermark: 90}, false},
		{QueueSettings{Capacity: 100, LowWatermark: 70, HighWatermark: 100}, false},
		{QueueSettings{Capacity: 100, LowWatermark: -1, HighWatermark: 90}, false},
	}
	for _, tt := range tests {
		err := tt.settings.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v, want ok=%v", tt.settings, err, tt.ok)
		}
	}
}

func TestWatermarkHysteresis(t *testing.T) {
	w := NewWatermark(QueueSettings{Capacity: 100, LowWatermark: 70, HighWatermark: 90})
	steps := []struct {
		usage int
		want  FlowStatus
	}{
		{0, FlowStatusContinueToSend},
		{90, FlowStatusContinueToSend},
		{91, FlowStatusWait},
		{80, FlowStatusWait}, // sticky above the low watermark
		{71, FlowStatusWait},
		{70, FlowStatusContinueToSend},
		{85, FlowStatusContinueToSend},
		{100, FlowStatusOverflow},
		{95, FlowStatusWait},
		{60, FlowStatusContinueToSend},
	}
	for i, s := range steps {
		if got := w.Evaluate(s.usage); got != s.want {
			t.Fatalf("step %d: Evaluate(%d) = %v, want %v", i, s.usage, got, s.want)
		}
	}
}
