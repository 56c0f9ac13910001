package tp

import (
	"errors"
	"fmt"
)

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// TransportError wraps a failure of the frame transport. Temporary errors
// are retried by the broker; anything else shuts the broker down.
type TransportError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e TransportError) Error() string {
	kind := "fatal"
	if e.Temporary {
		kind = "transient"
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, kind, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a transient transport failure.
func IsTemporary(err error) bool {
	var te TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}

type MessageTooLargeError struct {
	IsoTpError
	Size int
}

func (e MessageTooLargeError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("message of %d bytes exceeds the %d byte limit", e.Size, MaxMessageSize))
}

type DestinationTimeoutError struct {
	IsoTpError
	Destination uint32
}

func (e DestinationTimeoutError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("no flow control from 0x%X in time", e.Destination&MaskExtended))
}

type DestinationOverflowError struct {
	IsoTpError
	Destination uint32
}

func (e DestinationOverflowError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("0x%X reported overflow", e.Destination&MaskExtended))
}

type FragmentationNotAllowedError struct {
	IsoTpError
	Destination uint32
}

func (e FragmentationNotAllowedError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("functional address 0x%X cannot receive a segmented message", e.Destination&MaskExtended))
}

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type TooManyOutOfOrderFramesError struct {
	IsoTpError
	Sender uint32
}

func (e TooManyOutOfOrderFramesError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("too many out of order consecutive frames from 0x%X", e.Sender&MaskExtended))
}

type ReassemblyTimeoutError struct {
	IsoTpError
	Sender uint32
}

func (e ReassemblyTimeoutError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("consecutive frame from 0x%X not received in time", e.Sender&MaskExtended))
}

type ChannelClosedError struct {
	IsoTpError
}

func (e ChannelClosedError) Error() string {
	return messageOrDefault(e.msg, "channel closed")
}

// BrokerClosedError fails everything still pending when a broker stops.
// Cause is nil for an orderly Close.
type BrokerClosedError struct {
	IsoTpError
	Cause error
}

func (e BrokerClosedError) Error() string {
	if e.Cause != nil {
		return messageOrDefault(e.msg, "broker closed: "+e.Cause.Error())
	}
	return messageOrDefault(e.msg, "broker closed")
}

func (e BrokerClosedError) Unwrap() error { return e.Cause }

type InvalidFrameError struct {
	IsoTpError
}

func (e InvalidFrameError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type InvalidConfigError struct {
	IsoTpError
}

func (e InvalidConfigError) Error() string {
	return messageOrDefault(e.msg, "invalid configuration")
}

func invalidConfig(format string, args ...any) error {
	return InvalidConfigError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}

func invalidFrame(format string, args ...any) error {
	return InvalidFrameError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}
