package tp

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errQueueClosed = errors.New("queue closed")

// BoundedQueue is a fixed capacity FIFO shared between goroutines. Put
// blocks while the queue is full.
type BoundedQueue[T any] struct {
	items  chan T
	closed chan struct{}
	once   sync.Once
}

func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	return &BoundedQueue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

func (q *BoundedQueue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return errQueueClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *BoundedQueue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	case <-q.closed:
		return zero, errQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// C exposes the receive side for use in a select loop.
func (q *BoundedQueue[T]) C() <-chan T { return q.items }

// Drain removes and returns everything currently queued.
func (q *BoundedQueue[T]) Drain() []T {
	var out []T
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

func (q *BoundedQueue[T]) Len() int { return len(q.items) }
func (q *BoundedQueue[T]) Cap() int { return cap(q.items) }

// Close makes further Put and Take calls fail. Queued items stay available
// to Drain.
func (q *BoundedQueue[T]) Close() {
	q.once.Do(func() { close(q.closed) })
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
