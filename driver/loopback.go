package driver

import (
	"sync"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

const loopbackBufferSize = 1024

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Multiple endpoints opened from the same bus exchange frames; a frame is
// never delivered back to its sender.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open attaches a new endpoint and returns it as a transport.
func (b *LoopbackBus) Open() *Adapter {
	// Start cannot fail for a loopback endpoint.
	a, _ := NewAdapter(b.endpoint(), zerolog.Nop())
	return a
}

// endpoint returns an unstarted, unfiltered endpoint.
func (b *LoopbackBus) endpoint() *loopEndpoint {
	return &loopEndpoint{
		bus:    b,
		ch:     make(chan tp.Frame, loopbackBufferSize),
		closed: make(chan struct{}),
	}
}

// Close detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus     *LoopbackBus
	ch      chan tp.Frame
	mu      sync.Mutex
	dead    bool
	closed  chan struct{}
	dropped int
}

func (e *loopEndpoint) Start() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.bus.closed {
		e.closeNoLock()
		return nil
	}
	e.bus.endpoints[e] = struct{}{}
	return nil
}

// Write broadcasts the frame to all other endpoints. A receiver whose
// buffer is full loses the frame, as a real controller would.
func (e *loopEndpoint) Write(frame tp.Frame) error {
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	if e.bus.closed || e.isDead() {
		return ErrClosed
	}
	for ep := range e.bus.endpoints {
		if ep == e {
			continue
		}
		ep.deliver(frame.Clone())
	}
	return nil
}

func (e *loopEndpoint) deliver(frame tp.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	select {
	case e.ch <- frame:
	default:
		e.dropped++
	}
}

func (e *loopEndpoint) RxChan() <-chan tp.Frame { return e.ch }

func (e *loopEndpoint) Stop() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) isDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

func (e *loopEndpoint) closeNoLock() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	close(e.closed)
	close(e.ch)
	e.mu.Unlock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
}
