package tp

import (
	"errors"
	"sync"
	"time"
)

var errFlowControlTimeout = errors.New("flow control timeout")

// FlowControlState hands the latest flow control frame from the broker's
// processor goroutine to a channel's outbound goroutine.
type FlowControlState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frame    FlowControlFrame
	received bool
	closed   bool
}

func newFlowControlState() *FlowControlState {
	s := &FlowControlState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Reset discards any frame not yet consumed. Called before a first frame is
// written so that a stale frame cannot release the new transfer.
func (s *FlowControlState) Reset() {
	s.mu.Lock()
	s.received = false
	s.mu.Unlock()
}

// Update stores fc and wakes the waiting sender.
func (s *FlowControlState) Update(fc FlowControlFrame) {
	s.mu.Lock()
	s.frame = fc
	s.received = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *FlowControlState) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Await blocks until a flow control frame arrives, the timeout elapses or
// the state is closed. The frame is consumed: a second Await waits for the
// next one.
func (s *FlowControlState) Await(timeout time.Duration) (FlowControlFrame, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.received && !s.closed {
		if !time.Now().Before(deadline) {
			return FlowControlFrame{}, errFlowControlTimeout
		}
		s.cond.Wait()
	}
	if s.closed {
		return FlowControlFrame{}, ChannelClosedError{}
	}
	s.received = false
	return s.frame, nil
}
