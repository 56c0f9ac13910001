package tp

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type reassemblyRecorder struct {
	messages [][]byte
	senders  []uint32
	errs     []error
}

func newTestReassembler(blockSize uint8) (*Reassembler, *reassemblyRecorder) {
	rec := &reassemblyRecorder{}
	r := NewReassembler(blockSize,
		func(sender uint32, payload []byte) {
			rec.senders = append(rec.senders, sender)
			rec.messages = append(rec.messages, payload)
		},
		func(err error) { rec.errs = append(rec.errs, err) },
		zerolog.Nop())
	return r, rec
}

func sequentialPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

// feed splits payload the way a classic CAN sender would, with the
// consecutive frames in the given sequence order.
func feed(r *Reassembler, sender uint32, payload []byte, order []int, now time.Time) {
	r.HandleFirstFrame(sender, len(payload), payload[:6], now)
	chunks := map[int][]byte{}
	for i, offset := 1, 6; offset < len(payload); i++ {
		end := min(offset+7, len(payload))
		chunks[i] = payload[offset:end]
		offset = end
	}
	for _, i := range order {
		r.HandleConsecutiveFrame(sender, i&0x0F, chunks[i], now)
	}
}

func TestReassemblyInOrder(t *testing.T) {
	r, rec := newTestReassembler(0)
	payload := sequentialPayload(34) // FF 6 + 4 CFs of 7
	feed(r, 0x7E8, payload, []int{1, 2, 3, 4}, time.Now())

	if len(rec.messages) != 1 || !bytes.Equal(rec.messages[0], payload) {
		t.Fatalf("delivered %v", rec.messages)
	}
	if rec.senders[0] != 0x7E8 {
		t.Errorf("sender = 0x%X", rec.senders[0])
	}
	if r.Pending() != 0 {
		t.Errorf("state left behind after delivery")
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	r, rec := newTestReassembler(0)
	payload := sequentialPayload(34)
	feed(r, 0x7E8, payload, []int{1, 3, 2, 4}, time.Now())

	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if len(rec.messages) != 1 || !bytes.Equal(rec.messages[0], payload) {
		t.Fatalf("out of order delivery = %v", rec.messages)
	}
}

func TestReassemblySequenceWraps(t *testing.T) {
	r, rec := newTestReassembler(0)
	payload := sequentialPayload(6 + 7*20) // 20 consecutive frames, sequence wraps
	order := make([]int, 20)
	for i := range order {
		order[i] = i + 1
	}
	feed(r, 0x7E8, payload, order, time.Now())
	if len(rec.messages) != 1 || !bytes.Equal(rec.messages[0], payload) {
		t.Fatalf("wrapped delivery failed, errs=%v", rec.errs)
	}
}

func TestReassemblyDuplicateSlot(t *testing.T) {
	r, rec := newTestReassembler(0)
	now := time.Now()
	payload := sequentialPayload(40)
	r.HandleFirstFrame(0x7E8, len(payload), payload[:6], now)
	r.HandleConsecutiveFrame(0x7E8, 3, payload[20:27], now)
	r.HandleConsecutiveFrame(0x7E8, 3, payload[20:27], now)

	if len(rec.errs) != 1 {
		t.Fatalf("errors = %v", rec.errs)
	}
	var oo TooManyOutOfOrderFramesError
	if !errors.As(rec.errs[0], &oo) || oo.Sender != 0x7E8 {
		t.Errorf("error = %v", rec.errs[0])
	}
	if r.Pending() != 0 || len(rec.messages) != 0 {
		t.Errorf("state should be evicted without delivery")
	}
}

func TestReassemblyTimeout(t *testing.T) {
	r, rec := newTestReassembler(0)
	start := time.Now()
	payload := sequentialPayload(20)
	r.HandleFirstFrame(0x7E8, len(payload), payload[:6], start)
	r.HandleConsecutiveFrame(0x7E8, 1, payload[6:13], start.Add(500*time.Millisecond))

	r.CheckTimeouts(start.Add(time.Second), time.Second)
	if r.Pending() != 1 {
		t.Fatalf("activity should have refreshed the deadline")
	}
	r.CheckTimeouts(start.Add(1600*time.Millisecond), time.Second)
	if r.Pending() != 0 {
		t.Fatalf("stale state not evicted")
	}
	var te ReassemblyTimeoutError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &te) || te.Sender != 0x7E8 {
		t.Errorf("errors = %v", rec.errs)
	}
}

func TestReassemblyPerSender(t *testing.T) {
	r, rec := newTestReassembler(0)
	now := time.Now()
	a := sequentialPayload(13)
	b := bytes.Repeat([]byte{0xEE}, 13)
	r.HandleFirstFrame(0x7E8, 13, a[:6], now)
	r.HandleFirstFrame(0x7E9, 13, b[:6], now)
	r.HandleConsecutiveFrame(0x7E9, 1, b[6:], now)
	r.HandleConsecutiveFrame(0x7E8, 1, a[6:], now)

	if len(rec.messages) != 2 {
		t.Fatalf("delivered %d messages", len(rec.messages))
	}
	if rec.senders[0] != 0x7E9 || !bytes.Equal(rec.messages[0], b) {
		t.Errorf("first delivery = 0x%X %X", rec.senders[0], rec.messages[0])
	}
	if rec.senders[1] != 0x7E8 || !bytes.Equal(rec.messages[1], a) {
		t.Errorf("second delivery = 0x%X %X", rec.senders[1], rec.messages[1])
	}
}

func TestReassemblyBlockCompletion(t *testing.T) {
	r, _ := newTestReassembler(2)
	now := time.Now()
	payload := sequentialPayload(6 + 7*5)
	r.HandleFirstFrame(0x7E8, len(payload), payload[:6], now)

	var blocks []int
	for i, offset := 1, 6; offset < len(payload); i++ {
		end := min(offset+7, len(payload))
		if r.HandleConsecutiveFrame(0x7E8, i, payload[offset:end], now) {
			blocks = append(blocks, i)
		}
		offset = end
	}
	// Blocks end after CF 2 and CF 4; CF 5 completes the message.
	if len(blocks) != 2 || blocks[0] != 2 || blocks[1] != 4 {
		t.Errorf("block boundaries = %v", blocks)
	}
}

func TestReassemblyIgnoresStrayConsecutive(t *testing.T) {
	r, rec := newTestReassembler(0)
	if r.HandleConsecutiveFrame(0x7E8, 1, []byte{1, 2, 3}, time.Now()) {
		t.Error("stray CF requested flow control")
	}
	if len(rec.messages) != 0 || len(rec.errs) != 0 {
		t.Error("stray CF had an effect")
	}
}

func TestReassemblyFirstFrameRestarts(t *testing.T) {
	r, rec := newTestReassembler(0)
	now := time.Now()
	old := bytes.Repeat([]byte{0xAA}, 20)
	payload := sequentialPayload(13)
	r.HandleFirstFrame(0x7E8, 20, old[:6], now)
	r.HandleFirstFrame(0x7E8, 13, payload[:6], now)
	r.HandleConsecutiveFrame(0x7E8, 1, payload[6:], now)
	if len(rec.messages) != 1 || !bytes.Equal(rec.messages[0], payload) {
		t.Fatalf("restarted delivery = %X", rec.messages)
	}
}

func TestReassemblyWaiting(t *testing.T) {
	r, _ := newTestReassembler(0)
	now := time.Now()
	r.HandleFirstFrame(0x7E8, 20, make([]byte, 6), now)
	if r.Waiting() != nil {
		t.Fatal("nothing should be waiting")
	}
	r.SetWaiting(0x7E8, true, now)
	if last, ok := r.Waiting()[0x7E8]; !ok || !last.Equal(now) {
		t.Fatalf("Waiting() = %v", r.Waiting())
	}
	r.SetWaiting(0x7E8, false, now)
	if len(r.Waiting()) != 0 {
		t.Error("sender still waiting after release")
	}
}

func TestCodecReassemblyAllLengths(t *testing.T) {
	decode := func(data []byte) PDU {
		t.Helper()
		if !ValidFrameLength(len(data)) {
			data = padFrameData(data, 0xCC)
		}
		pdu, err := DecodePDU(data)
		if err != nil {
			t.Fatalf("DecodePDU(%X): %v", data, err)
		}
		return pdu
	}

	for _, maxPayload := range []int{ClassicMaxPayload, FDMaxPayload} {
		r, rec := newTestReassembler(0)
		now := time.Now()
		for n := 1; n <= MaxMessageSize; n++ {
			payload := sequentialPayload(n)
			if fitsSingleFrame(n, maxPayload) {
				data, err := encodeSingleFrame(payload, maxPayload)
				if err != nil {
					t.Fatalf("encodeSingleFrame %d/%d: %v", n, maxPayload, err)
				}
				sf, ok := decode(data).(SingleFrame)
				if !ok {
					t.Fatalf("%d/%d: single frame decoded as another type", n, maxPayload)
				}
				r.HandleSingleFrame(0x7E8, sf.Data)
			} else {
				offset := maxPayload - 2
				data, err := encodeFirstFrame(n, payload[:offset], maxPayload)
				if err != nil {
					t.Fatalf("encodeFirstFrame %d/%d: %v", n, maxPayload, err)
				}
				ff, ok := decode(data).(FirstFrame)
				if !ok || ff.TotalSize != n {
					t.Fatalf("%d/%d: first frame decoded as %#v", n, maxPayload, ff)
				}
				r.HandleFirstFrame(0x7E8, ff.TotalSize, ff.Data, now)
				for seq := 1; offset < n; seq = (seq + 1) & 0x0F {
					end := min(offset+maxPayload-1, n)
					data, err := encodeConsecutiveFrame(seq, payload[offset:end], maxPayload)
					if err != nil {
						t.Fatalf("encodeConsecutiveFrame %d/%d: %v", n, maxPayload, err)
					}
					cf, ok := decode(data).(ConsecutiveFrame)
					if !ok {
						t.Fatalf("%d/%d: consecutive frame decoded as another type", n, maxPayload)
					}
					r.HandleConsecutiveFrame(0x7E8, cf.SequenceNumber, cf.Data, now)
					offset = end
				}
			}
			if len(rec.messages) != 1 || !bytes.Equal(rec.messages[0], payload) {
				t.Fatalf("%d/%d: delivered %d messages", n, maxPayload, len(rec.messages))
			}
			if len(rec.errs) != 0 || r.Pending() != 0 {
				t.Fatalf("%d/%d: errors %v, pending %d", n, maxPayload, rec.errs, r.Pending())
			}
			rec.messages, rec.senders = nil, nil
		}
	}
}
