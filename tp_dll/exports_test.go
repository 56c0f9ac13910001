//go:build cgo

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
)

func TestFrameID(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{0x701, 0x701},
		{0x7FF, 0x7FF},
		{0x80000123, tp.FlagExtended | 0x123},
		{0x98DA10F1, tp.FlagExtended | 0x18DA10F1},
		{0xC0000123, tp.FlagExtended | 0x123},
	}
	for _, tt := range tests {
		if got := frameID(tt.in); got != tt.want {
			t.Errorf("frameID(0x%X) = 0x%X, want 0x%X", tt.in, got, tt.want)
		}
	}
}

func TestInitTpExtendedLowID(t *testing.T) {
	if rc := GoInitTp(0x80000123, 0x80000321, false, nil); rc != 0 {
		t.Fatalf("GoInitTp = %d", rc)
	}
	defer GoCloseTp()
	mu.Lock()
	dev, ch, in := device, channel, inbound
	mu.Unlock()

	if ch.Destination() != tp.FlagExtended|0x321 {
		t.Errorf("destination = 0x%X", ch.Destination())
	}
	if ch.ReturnFilter() != tp.ExactFilter(tp.FlagExtended|0x123) {
		t.Errorf("filter = %+v", ch.ReturnFilter())
	}

	// The standard frame with the same low bits is not ours.
	dev.Inject(tp.NewFrame(0x123, []byte{0x02, 0x7E, 0x00}))
	dev.Inject(tp.NewFrame(tp.FlagExtended|0x123, []byte{0x02, 0x50, 0x03}))
	select {
	case data := <-in:
		if !bytes.Equal(data, []byte{0x50, 0x03}) {
			t.Errorf("received %X", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestInitTpRejectsUnflaggedWideID(t *testing.T) {
	if rc := GoInitTp(0x18DAF110, 0x18DA10F1, false, nil); rc != -1 {
		GoCloseTp()
		t.Fatalf("GoInitTp = %d, want -1", rc)
	}
}
