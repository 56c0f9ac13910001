package tp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const drainPollInterval = 2 * time.Millisecond

type outboundMessage struct {
	destination uint32
	payload     []byte
	result      *SendResult
}

// Channel is one ISO-TP conversation with a destination. Outbound messages
// are segmented by a dedicated goroutine in FIFO order; inbound messages
// matching the return filter are reassembled by the broker and handed to
// the inbound handler.
type Channel struct {
	broker      *Broker
	destination uint32
	filter      Filter
	outbound    *BoundedQueue[*outboundMessage]
	flow        *FlowControlState
	reassembler *Reassembler
	log         zerolog.Logger

	handlerMu sync.RWMutex
	onMessage func(sender uint32, payload []byte)
	onError   func(err error)

	ctx        context.Context
	cancel     context.CancelFunc
	workerOnce sync.Once
	workerDone chan struct{}
	started    atomic.Bool
	pending    atomic.Int64

	draining  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error
}

func newChannel(b *Broker, destination uint32, filter Filter) *Channel {
	ctx, cancel := context.WithCancel(b.ctx)
	ch := &Channel{
		broker:      b,
		destination: destination,
		filter:      filter,
		outbound:    NewBoundedQueue[*outboundMessage](b.queue.Capacity),
		flow:        newFlowControlState(),
		log:         b.log.With().Uint32("channel", destination).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		workerDone:  make(chan struct{}),
	}
	ch.reassembler = NewReassembler(b.params.InboundBlockSize, ch.deliver, ch.reportError, ch.log)
	return ch
}

func (ch *Channel) Destination() uint32  { return ch.destination }
func (ch *Channel) ReturnFilter() Filter { return ch.filter }

// SetInboundHandler installs the callback for reassembled messages. It runs
// on the broker's processor goroutine and must not block for long.
func (ch *Channel) SetInboundHandler(fn func(sender uint32, payload []byte)) {
	ch.handlerMu.Lock()
	ch.onMessage = fn
	ch.handlerMu.Unlock()
}

// SetErrorHandler installs the callback for abandoned inbound messages
// (TooManyOutOfOrderFramesError, ReassemblyTimeoutError, MessageTooLargeError).
func (ch *Channel) SetErrorHandler(fn func(err error)) {
	ch.handlerMu.Lock()
	ch.onError = fn
	ch.handlerMu.Unlock()
}

func (ch *Channel) deliver(sender uint32, payload []byte) {
	ch.broker.metrics.messagesReceived.Inc()
	ch.handlerMu.RLock()
	fn := ch.onMessage
	ch.handlerMu.RUnlock()
	if fn == nil {
		ch.log.Warn().Uint32("sender", sender).Int("len", len(payload)).Msg("no inbound handler, message dropped")
		return
	}
	fn(sender, payload)
}

func (ch *Channel) reportError(err error) {
	ch.broker.metrics.reassemblyErrors.WithLabelValues(reasonLabel(err)).Inc()
	ch.handlerMu.RLock()
	fn := ch.onError
	ch.handlerMu.RUnlock()
	if fn == nil {
		ch.log.Warn().Err(err).Msg("inbound message abandoned")
		return
	}
	fn(err)
}

// Send queues payload for transmission and returns its pending result.
// Payloads over MaxMessageSize fail immediately. Send blocks while the
// outbound queue is full.
func (ch *Channel) Send(ctx context.Context, payload []byte) (*SendResult, error) {
	if len(payload) > MaxMessageSize {
		return nil, MessageTooLargeError{Size: len(payload)}
	}
	if ch.closed.Load() || ch.draining.Load() {
		return nil, ch.closeError()
	}

	msg := &outboundMessage{
		destination: ch.destination,
		payload:     append([]byte(nil), payload...),
		result:      newSendResult(),
	}
	ch.startWorker()
	ch.pending.Add(1)
	if err := ch.outbound.Put(ctx, msg); err != nil {
		ch.pending.Add(-1)
		if errors.Is(err, errQueueClosed) {
			return nil, ch.closeError()
		}
		return nil, err
	}
	// Close may have drained the queue before our Put landed.
	if ch.closed.Load() {
		ch.failQueued()
	}
	return msg.result, nil
}

func (ch *Channel) startWorker() {
	ch.workerOnce.Do(func() {
		ch.started.Store(true)
		go ch.runOutbound()
	})
}

func (ch *Channel) runOutbound() {
	defer close(ch.workerDone)
	for {
		msg, err := ch.outbound.Take(ch.ctx)
		if err != nil {
			return
		}
		if ch.ctx.Err() != nil {
			msg.result.resolve(ch.closeError())
			ch.pending.Add(-1)
			return
		}
		err = ch.transmit(msg)
		if err != nil && ch.ctx.Err() != nil {
			err = ch.closeError()
		}
		if err != nil {
			ch.log.Debug().Err(err).Int("len", len(msg.payload)).Msg("send failed")
		}
		ch.broker.metrics.messagesSent.WithLabelValues(resultLabel(err)).Inc()
		msg.result.resolve(err)
		ch.pending.Add(-1)
	}
}

// transmit segments one message onto the bus.
func (ch *Channel) transmit(msg *outboundMessage) error {
	maxPayload := ch.broker.params.MaxPayload
	payload := msg.payload

	if fitsSingleFrame(len(payload), maxPayload) {
		data, err := encodeSingleFrame(payload, maxPayload)
		if err != nil {
			return err
		}
		return ch.broker.write(Frame{ID: msg.destination, Data: data})
	}
	if IsFunctional(msg.destination) {
		return FragmentationNotAllowedError{Destination: msg.destination}
	}

	ch.flow.Reset()
	offset := maxPayload - 2
	data, err := encodeFirstFrame(len(payload), payload[:offset], maxPayload)
	if err != nil {
		return err
	}
	if err := ch.broker.write(Frame{ID: msg.destination, Data: data}); err != nil {
		return err
	}

	seq := 1
	for offset < len(payload) {
		fc, err := ch.awaitClearToSend(msg.destination)
		if err != nil {
			return err
		}
		for sent := 0; offset < len(payload) && (fc.BlockSize == 0 || sent < int(fc.BlockSize)); sent++ {
			if sent > 0 && fc.STmin > 0 {
				if err := sleepContext(ch.ctx, fc.STmin); err != nil {
					return ch.closeError()
				}
			}
			end := min(offset+maxPayload-1, len(payload))
			data, err := encodeConsecutiveFrame(seq, payload[offset:end], maxPayload)
			if err != nil {
				return err
			}
			if err := ch.broker.write(Frame{ID: msg.destination, Data: data}); err != nil {
				return err
			}
			seq = (seq + 1) & 0x0F
			offset = end
		}
	}
	return nil
}

// awaitClearToSend waits for a Continue frame. Wait frames restart the
// timeout, up to MaxWaitFrames of them.
func (ch *Channel) awaitClearToSend(destination uint32) (FlowControlFrame, error) {
	params := ch.broker.params
	waits := 0
	for {
		fc, err := ch.flow.Await(params.OutboundTimeout)
		if errors.Is(err, errFlowControlTimeout) {
			return fc, DestinationTimeoutError{Destination: destination}
		}
		if err != nil {
			return fc, err
		}
		switch fc.FlowStatus {
		case FlowStatusContinueToSend:
			return fc, nil
		case FlowStatusWait:
			waits++
			if params.MaxWaitFrames > 0 && waits > params.MaxWaitFrames {
				return fc, MaximumWaitFrameReachedError{}
			}
		case FlowStatusOverflow:
			return fc, DestinationOverflowError{Destination: destination}
		default:
			return fc, invalidFrame("unexpected flow status %v", fc.FlowStatus)
		}
	}
}

// Close stops the channel. Messages still queued or in flight fail with
// ChannelClosedError.
func (ch *Channel) Close() error {
	ch.shutdown(ChannelClosedError{}, true)
	return nil
}

// CloseWithTimeout stops accepting sends, waits up to d for queued messages
// to go out, then closes. Whatever is left fails with ChannelClosedError.
func (ch *Channel) CloseWithTimeout(d time.Duration) error {
	ch.draining.Store(true)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) && !ch.closed.Load() {
		if ch.pending.Load() == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	return ch.Close()
}

func (ch *Channel) shutdown(cause error, wait bool) {
	ch.closeOnce.Do(func() {
		ch.closeMu.Lock()
		ch.closeErr = cause
		ch.closeMu.Unlock()
		ch.closed.Store(true)

		ch.cancel()
		ch.flow.Close()
		ch.outbound.Close()
		ch.failQueued()
		ch.broker.removeChannel(ch)
		ch.log.Debug().Err(cause).Msg("channel closed")
	})
	if wait && ch.started.Load() {
		<-ch.workerDone
	}
}

func (ch *Channel) failQueued() {
	err := ch.closeError()
	for _, msg := range ch.outbound.Drain() {
		ch.broker.metrics.messagesSent.WithLabelValues(resultLabel(err)).Inc()
		msg.result.resolve(err)
		ch.pending.Add(-1)
	}
}

func (ch *Channel) closeError() error {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	if ch.closeErr == nil {
		return ChannelClosedError{}
	}
	return ch.closeErr
}

// wait blocks until the outbound worker has exited. A channel that never
// sent anything has no worker.
func (ch *Channel) wait() {
	if ch.started.Load() {
		<-ch.workerDone
	}
}
