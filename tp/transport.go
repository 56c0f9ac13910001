package tp

import "time"

// Transport moves raw frames. Implementations live in the driver package.
//
// PollReadable and Receive are only called from the broker's reader
// goroutine; Send is serialised by the broker. SetFilters with an empty
// list means accept nothing.
type Transport interface {
	Send(frame Frame) error
	PollReadable(timeout time.Duration) (bool, error)
	Receive() (Frame, error)
	SetFilters(filters []Filter) error
	Close() error
}
