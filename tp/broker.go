package tp

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	housekeepingInterval = 10 * time.Millisecond
	transientBackoff     = time.Millisecond
	maxTransientRetries  = 5
	// default ISO-TP padding for FD frames that need rounding up
	fdFillByte byte = 0xCC
)

type Option func(*Broker)

func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithMetrics registers the broker's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Broker) { b.registerer = reg }
}

// WithClock replaces time.Now for reassembly timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker owns one transport. A reader goroutine moves frames into a bounded
// inbound queue and a processor goroutine dispatches them to the channels
// whose return filter matches. Both start with the first channel.
type Broker struct {
	transport  Transport
	params     ProtocolParameters
	queue      QueueSettings
	log        zerolog.Logger
	registerer prometheus.Registerer
	metrics    *brokerMetrics
	now        func() time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	channels []*Channel
	started  bool
	closed   bool

	inbound   *BoundedQueue[Frame]
	watermark *Watermark

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	fatal     error
	closeErr  error
}

// Bind validates the configuration and takes ownership of transport. The
// transport starts out accepting nothing.
func Bind(transport Transport, params ProtocolParameters, queue QueueSettings, opts ...Option) (*Broker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		transport: transport,
		params:    params,
		queue:     queue,
		log:       zerolog.Nop(),
		now:       time.Now,
		inbound:   NewBoundedQueue[Frame](queue.Capacity),
		watermark: NewWatermark(queue),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = newBrokerMetrics(b.registerer)
	if err := transport.SetFilters(nil); err != nil {
		cancel()
		return nil, TransportError{Op: "set filters", Err: err}
	}
	return b, nil
}

func (b *Broker) Parameters() ProtocolParameters { return b.params }

// CreateChannel opens a conversation with destination. Without an explicit
// filter the channel listens on FilterFromDestination(destination).
func (b *Broker) CreateChannel(destination uint32, filter ...Filter) (*Channel, error) {
	f := FilterFromDestination(destination)
	if len(filter) > 0 {
		f = filter[0]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, BrokerClosedError{Cause: b.fatal}
	}
	ch := newChannel(b, destination, f)
	b.channels = append(b.channels, ch)
	if err := b.applyFiltersLocked(); err != nil {
		b.channels = b.channels[:len(b.channels)-1]
		return nil, err
	}
	if !b.started {
		b.started = true
		b.wg.Add(2)
		go b.readLoop()
		go b.processLoop()
	}
	b.log.Debug().Uint32("destination", destination).Uint32("filter_id", f.ID).Uint32("filter_mask", f.Mask).Msg("channel created")
	return ch, nil
}

func (b *Broker) removeChannel(ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.channels {
		if c == ch {
			b.channels = append(b.channels[:i:i], b.channels[i+1:]...)
			break
		}
	}
	if b.closed {
		return
	}
	if err := b.applyFiltersLocked(); err != nil {
		b.log.Warn().Err(err).Msg("update transport filters")
	}
}

// applyFiltersLocked installs the union of all channel filters.
func (b *Broker) applyFiltersLocked() error {
	seen := make(map[Filter]struct{}, len(b.channels))
	filters := make([]Filter, 0, len(b.channels))
	for _, ch := range b.channels {
		if _, ok := seen[ch.filter]; ok {
			continue
		}
		seen[ch.filter] = struct{}{}
		filters = append(filters, ch.filter)
	}
	if err := b.transport.SetFilters(filters); err != nil {
		return TransportError{Op: "set filters", Err: err, Temporary: IsTemporary(err)}
	}
	return nil
}

func (b *Broker) readLoop() {
	defer b.wg.Done()
	for b.ctx.Err() == nil {
		ready, err := b.transport.PollReadable(b.params.PollTimeout)
		if err != nil {
			if b.transportFailed("poll", err) {
				continue
			}
			return
		}
		if !ready {
			continue
		}
		frame, err := b.transport.Receive()
		if err != nil {
			if b.transportFailed("receive", err) {
				continue
			}
			return
		}
		b.metrics.framesReceived.Inc()
		if err := b.inbound.Put(b.ctx, frame.Clone()); err != nil {
			return
		}
	}
}

// transportFailed classifies err. It returns true when the caller should
// retry; fatal errors shut the broker down.
func (b *Broker) transportFailed(op string, err error) bool {
	if b.ctx.Err() != nil {
		return false
	}
	if IsTemporary(err) {
		b.metrics.transportErrors.WithLabelValues("transient").Inc()
		b.log.Debug().Err(err).Str("op", op).Msg("transient transport error")
		time.Sleep(transientBackoff)
		return true
	}
	b.metrics.transportErrors.WithLabelValues("fatal").Inc()
	b.log.Error().Err(err).Str("op", op).Msg("transport failed, shutting down")
	go b.shutdown(TransportError{Op: op, Err: err})
	return false
}

func (b *Broker) processLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.inbound.C():
			b.dispatch(frame)
		case <-ticker.C:
			b.housekeeping()
		}
	}
}

func (b *Broker) matching(id uint32) []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Channel
	for _, ch := range b.channels {
		if ch.filter.Matches(id) {
			out = append(out, ch)
		}
	}
	return out
}

func (b *Broker) snapshot() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

func (b *Broker) dispatch(frame Frame) {
	channels := b.matching(frame.ID)
	if len(channels) == 0 {
		return
	}
	pdu, err := DecodePDU(frame.Data)
	if err != nil {
		b.log.Debug().Err(err).Str("frame", frame.String()).Msg("frame ignored")
		return
	}

	now := b.now()
	sender := frame.ID
	// Channels sharing a filter all reassemble, only the first answers.
	answered := false
	for _, ch := range channels {
		switch p := pdu.(type) {
		case FlowControlFrame:
			ch.flow.Update(p)
		case SingleFrame:
			ch.reassembler.HandleSingleFrame(sender, p.Data)
		case FirstFrame:
			b.handleFirstFrame(ch, sender, p, now, !answered)
			answered = true
		case ConsecutiveFrame:
			if ch.reassembler.HandleConsecutiveFrame(sender, p.SequenceNumber, p.Data, now) && !answered {
				answered = true
				status := b.watermark.Evaluate(b.inbound.Len())
				if status == FlowStatusOverflow {
					status = FlowStatusWait
				}
				ch.reassembler.SetWaiting(sender, status == FlowStatusWait, now)
				b.sendFlowControl(ch, sender, status)
			}
		}
	}
}

func (b *Broker) handleFirstFrame(ch *Channel, sender uint32, ff FirstFrame, now time.Time, answer bool) {
	if ff.TotalSize > MaxMessageSize {
		ch.reassembler.Abort(sender)
		ch.reportError(MessageTooLargeError{Size: ff.TotalSize})
		if answer {
			b.sendFlowControl(ch, sender, FlowStatusOverflow)
		}
		return
	}
	status := FlowStatusContinueToSend
	if answer {
		status = b.watermark.Evaluate(b.inbound.Len())
	}
	if status == FlowStatusOverflow {
		ch.reassembler.Abort(sender)
		b.sendFlowControl(ch, sender, status)
		return
	}
	if !ch.reassembler.HandleFirstFrame(sender, ff.TotalSize, ff.Data, now) {
		return
	}
	if !answer {
		return
	}
	ch.reassembler.SetWaiting(sender, status == FlowStatusWait, now)
	b.sendFlowControl(ch, sender, status)
}

// housekeeping evicts stale reassembly states and releases senders parked
// on Wait once the inbound queue has drained.
func (b *Broker) housekeeping() {
	now := b.now()
	usage := b.inbound.Len()
	b.metrics.inboundDepth.Set(float64(usage))
	for _, ch := range b.snapshot() {
		ch.reassembler.CheckTimeouts(now, b.params.InboundTimeout)
		parked := ch.reassembler.Waiting()
		if len(parked) == 0 {
			continue
		}
		status := b.watermark.Evaluate(usage)
		for sender, last := range parked {
			switch {
			case status == FlowStatusContinueToSend:
				ch.reassembler.SetWaiting(sender, false, now)
				b.sendFlowControl(ch, sender, status)
			case now.Sub(last) >= b.params.InboundTimeout/2:
				// keep the sender's N_Bs timer from expiring
				ch.reassembler.SetWaiting(sender, true, now)
				b.sendFlowControl(ch, sender, FlowStatusWait)
			}
		}
	}
}

// sendFlowControl answers sender on ch's destination. Functional channels
// have no single peer, so they answer on the sender's return address.
func (b *Broker) sendFlowControl(ch *Channel, sender uint32, status FlowStatus) {
	b.metrics.flowControlSent.WithLabelValues(status.String()).Inc()
	id := ch.destination
	if IsFunctional(id) {
		id = ReturnAddress(sender)
	}
	frame := Frame{
		ID:   id,
		Data: encodeFlowControl(status, b.params.InboundBlockSize, b.params.InboundSeparationTime),
	}
	if err := b.write(frame); err != nil {
		b.log.Warn().Err(err).Stringer("status", status).Msg("flow control not sent")
	}
}

// write sends one frame under the broker-wide write lock. Transient errors
// are retried a few times; a fatal error shuts the broker down.
func (b *Broker) write(frame Frame) error {
	if b.params.Padding != nil {
		frame.Data = padFrameData(frame.Data, *b.params.Padding)
	} else if !ValidFrameLength(len(frame.Data)) {
		frame.Data = padFrameData(frame.Data, fdFillByte)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	var err error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if b.ctx.Err() != nil {
			return BrokerClosedError{Cause: b.fatalCause()}
		}
		if err = b.transport.Send(frame); err == nil {
			b.metrics.framesSent.Inc()
			return nil
		}
		if !IsTemporary(err) {
			b.metrics.transportErrors.WithLabelValues("fatal").Inc()
			b.log.Error().Err(err).Str("frame", frame.String()).Msg("transport send failed, shutting down")
			terr := TransportError{Op: "send", Err: err}
			go b.shutdown(terr)
			return terr
		}
		b.metrics.transportErrors.WithLabelValues("transient").Inc()
		time.Sleep(transientBackoff)
	}
	return TransportError{Op: "send", Err: err, Temporary: true}
}

func (b *Broker) fatalCause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// shutdown stops everything once. cause is nil for an orderly Close.
func (b *Broker) shutdown(cause error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.fatal = cause
		channels := append([]*Channel(nil), b.channels...)
		b.mu.Unlock()

		for _, ch := range channels {
			ch.shutdown(BrokerClosedError{Cause: cause}, false)
		}
		b.cancel()
		b.inbound.Close()
		b.closeErr = b.transport.Close()
		close(b.done)
	})
}

// Close stops both goroutines, closes every channel and the transport. It
// must not be called from an inbound or error handler.
func (b *Broker) Close() error {
	channels := b.snapshot()
	b.shutdown(nil)
	b.wg.Wait()
	for _, ch := range channels {
		ch.wait()
	}
	return b.closeErr
}

// Done is closed once the broker has shut down.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Err returns the fatal transport error that stopped the broker, if any.
func (b *Broker) Err() error {
	select {
	case <-b.done:
		return b.fatalCause()
	default:
		return nil
	}
}
