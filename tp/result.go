package tp

import (
	"context"
	"sync"
)

// SendResult is the pending outcome of Channel.Send. It resolves exactly
// once.
type SendResult struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newSendResult() *SendResult {
	return &SendResult{done: make(chan struct{})}
}

func (r *SendResult) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the message has been sent or has failed.
func (r *SendResult) Done() <-chan struct{} { return r.done }

// Err returns the send error. It is nil until Done is closed.
func (r *SendResult) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the result resolves or ctx is done.
func (r *SendResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
