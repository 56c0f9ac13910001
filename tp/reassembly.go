package tp

import (
	"time"

	"github.com/rs/zerolog"
)

const sequenceSlots = 16

type reassemblyState struct {
	buffer       []byte
	ring         [sequenceSlots][]byte
	filled       uint16
	expected     uint8
	missing      int
	lastActivity time.Time

	// frames since the last flow control frame we sent
	blockCount int
	// parked on a Wait flow control frame
	waiting     bool
	lastControl time.Time
}

func (s *reassemblyState) appendChunk(chunk []byte) {
	if len(chunk) > s.missing {
		chunk = chunk[:s.missing]
	}
	s.buffer = append(s.buffer, chunk...)
	s.missing -= len(chunk)
}

// Reassembler rebuilds segmented messages, one state per sender identifier.
// Consecutive frames may arrive out of order as long as each sequence slot
// is used at most once per 16 frame window.
//
// Not safe for concurrent use; the broker drives it from its processor goroutine.
type Reassembler struct {
	blockSize uint8
	states    map[uint32]*reassemblyState
	deliver   func(sender uint32, payload []byte)
	report    func(err error)
	log       zerolog.Logger
}

// NewReassembler returns a reassembler that calls deliver for each complete
// message and report for each abandoned one. blockSize is the block size we
// advertise, 0 for unlimited.
func NewReassembler(blockSize uint8, deliver func(sender uint32, payload []byte), report func(err error), log zerolog.Logger) *Reassembler {
	return &Reassembler{
		blockSize: blockSize,
		states:    make(map[uint32]*reassemblyState),
		deliver:   deliver,
		report:    report,
		log:       log,
	}
}

func (r *Reassembler) HandleSingleFrame(sender uint32, payload []byte) {
	r.deliver(sender, append([]byte(nil), payload...))
}

// HandleFirstFrame starts a message. It returns true when a state was
// created and the sender now expects a flow control frame.
func (r *Reassembler) HandleFirstFrame(sender uint32, totalSize int, payload []byte, now time.Time) bool {
	if _, ok := r.states[sender]; ok {
		r.log.Debug().Uint32("sender", sender).Msg("first frame restarts reception")
		delete(r.states, sender)
	}
	if len(payload) >= totalSize {
		r.deliver(sender, append([]byte(nil), payload[:totalSize]...))
		return false
	}
	state := &reassemblyState{
		buffer:       make([]byte, 0, totalSize),
		expected:     1,
		missing:      totalSize,
		lastActivity: now,
		lastControl:  now,
	}
	state.appendChunk(payload)
	r.states[sender] = state
	return true
}

// HandleConsecutiveFrame adds one fragment. It returns true when the
// advertised block is complete and the sender waits for another flow
// control frame.
func (r *Reassembler) HandleConsecutiveFrame(sender uint32, seq int, payload []byte, now time.Time) bool {
	state, ok := r.states[sender]
	if !ok {
		r.log.Debug().Uint32("sender", sender).Int("seq", seq).Msg("consecutive frame without first frame ignored")
		return false
	}
	state.lastActivity = now
	state.blockCount++
	slot := uint8(seq) % sequenceSlots

	if slot != state.expected {
		bit := uint16(1) << slot
		if state.filled&bit != 0 {
			delete(r.states, sender)
			r.report(TooManyOutOfOrderFramesError{Sender: sender})
			return false
		}
		state.ring[slot] = append([]byte(nil), payload...)
		state.filled |= bit
		return r.blockDone(state)
	}

	state.appendChunk(payload)
	state.expected = (state.expected + 1) % sequenceSlots
	for state.missing > 0 {
		bit := uint16(1) << state.expected
		if state.filled&bit == 0 {
			break
		}
		state.appendChunk(state.ring[state.expected])
		state.ring[state.expected] = nil
		state.filled &^= bit
		state.expected = (state.expected + 1) % sequenceSlots
	}

	if state.missing <= 0 {
		delete(r.states, sender)
		r.deliver(sender, state.buffer)
		return false
	}
	return r.blockDone(state)
}

func (r *Reassembler) blockDone(state *reassemblyState) bool {
	if r.blockSize == 0 || state.blockCount < int(r.blockSize) {
		return false
	}
	state.blockCount = 0
	return true
}

// CheckTimeouts evicts every state idle for longer than timeout.
func (r *Reassembler) CheckTimeouts(now time.Time, timeout time.Duration) {
	for sender, state := range r.states {
		if now.Sub(state.lastActivity) > timeout {
			delete(r.states, sender)
			r.report(ReassemblyTimeoutError{Sender: sender})
		}
	}
}

func (r *Reassembler) Abort(sender uint32) {
	delete(r.states, sender)
}

// SetWaiting marks sender as parked on (or released from) a Wait frame.
func (r *Reassembler) SetWaiting(sender uint32, waiting bool, now time.Time) {
	if state, ok := r.states[sender]; ok {
		state.waiting = waiting
		state.lastControl = now
		state.lastActivity = now
	}
}

// Waiting returns the senders parked on a Wait frame along with the time
// we last sent them flow control.
func (r *Reassembler) Waiting() map[uint32]time.Time {
	var out map[uint32]time.Time
	for sender, state := range r.states {
		if !state.waiting {
			continue
		}
		if out == nil {
			out = make(map[uint32]time.Time)
		}
		out[sender] = state.lastControl
	}
	return out
}

// Pending is the number of messages being assembled.
func (r *Reassembler) Pending() int {
	return len(r.states)
}
