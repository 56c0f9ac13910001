package tp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBoundedQueue(t *testing.T) {
	q := NewBoundedQueue[int](2)
	ctx := context.Background()
	if err := q.Put(ctx, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := q.Put(ctx, 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if q.Len() != 2 || q.Cap() != 2 {
		t.Fatalf("Len/Cap = %d/%d", q.Len(), q.Cap())
	}

	// Full queue blocks until the context expires.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Put(short, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put on full queue = %v", err)
	}

	v, err := q.Take(ctx)
	if err != nil || v != 1 {
		t.Fatalf("Take = %d, %v", v, err)
	}

	q.Close()
	if err := q.Put(ctx, 4); !errors.Is(err, errQueueClosed) {
		t.Errorf("Put after Close = %v", err)
	}
	if rest := q.Drain(); len(rest) != 1 || rest[0] != 2 {
		t.Errorf("Drain = %v", rest)
	}
	if _, err := q.Take(ctx); !errors.Is(err, errQueueClosed) {
		t.Errorf("Take after Close = %v", err)
	}
}

func TestFlowControlStateAwait(t *testing.T) {
	s := newFlowControlState()

	if _, err := s.Await(20 * time.Millisecond); !errors.Is(err, errFlowControlTimeout) {
		t.Fatalf("Await without frame = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Update(FlowControlFrame{FlowStatus: FlowStatusContinueToSend, BlockSize: 4})
	}()
	fc, err := s.Await(time.Second)
	if err != nil || fc.BlockSize != 4 {
		t.Fatalf("Await = %+v, %v", fc, err)
	}

	// The frame is consumed by the first Await.
	if _, err := s.Await(10 * time.Millisecond); !errors.Is(err, errFlowControlTimeout) {
		t.Fatalf("second Await = %v", err)
	}

	// Reset discards a frame that arrived early.
	s.Update(FlowControlFrame{FlowStatus: FlowStatusOverflow})
	s.Reset()
	if _, err := s.Await(10 * time.Millisecond); !errors.Is(err, errFlowControlTimeout) {
		t.Fatalf("Await after Reset = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close()
	}()
	var closed ChannelClosedError
	if _, err := s.Await(time.Second); !errors.As(err, &closed) {
		t.Fatalf("Await after Close = %v", err)
	}
}

func TestSendResult(t *testing.T) {
	r := newSendResult()
	if r.Err() != nil {
		t.Fatal("unresolved result reports an error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}

	want := DestinationTimeoutError{Destination: 0x7E0}
	r.resolve(want)
	r.resolve(nil) // only the first resolution counts
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
	var got DestinationTimeoutError
	if err := r.Wait(context.Background()); !errors.As(err, &got) || got.Destination != 0x7E0 {
		t.Errorf("Wait = %v", err)
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(TransportError{Op: "send", Err: errors.New("busy"), Temporary: true}) {
		t.Error("temporary TransportError not recognised")
	}
	if IsTemporary(TransportError{Op: "send", Err: errors.New("down")}) {
		t.Error("fatal TransportError reported temporary")
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("plain error reported temporary")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{MessageTooLargeError{Size: 5000}, "message of 5000 bytes exceeds the 4095 byte limit"},
		{DestinationTimeoutError{Destination: 0x7E0}, "no flow control from 0x7E0 in time"},
		{ChannelClosedError{}, "channel closed"},
		{BrokerClosedError{}, "broker closed"},
		{BrokerClosedError{Cause: errors.New("bus off")}, "broker closed: bus off"},
		{ChannelClosedError{IsoTpError: NewIsoTpError("custom")}, "custom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
