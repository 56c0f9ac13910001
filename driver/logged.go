package driver

import (
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

// LogOption is a bitmask for selecting which operations to log.
type LogOption uint8

const LogNone LogOption = 0

const (
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// LoggedTransport is a tp.Transport decorator that logs frames at the given
// level. Errors are always logged at error level.
type LoggedTransport struct {
	inner tp.Transport
	log   zerolog.Logger
	level zerolog.Level
	opts  LogOption
}

func NewLoggedTransport(inner tp.Transport, log zerolog.Logger, level zerolog.Level, opts LogOption) *LoggedTransport {
	return &LoggedTransport{inner: inner, log: log, level: level, opts: opts}
}

func (l *LoggedTransport) Send(frame tp.Frame) error {
	if l.opts&LogWrite != 0 {
		l.log.WithLevel(l.level).
			Uint32("id", frame.Identifier()).
			Bool("extended", frame.IsExtended()).
			Int("len", len(frame.Data)).
			Hex("data", frame.Data).
			Msg("can send")
	}
	err := l.inner.Send(frame)
	if err != nil {
		l.log.Error().Err(err).Uint32("id", frame.Identifier()).Msg("can send error")
	}
	return err
}

func (l *LoggedTransport) PollReadable(timeout time.Duration) (bool, error) {
	ok, err := l.inner.PollReadable(timeout)
	if err != nil {
		l.log.Error().Err(err).Msg("can poll error")
	}
	return ok, err
}

func (l *LoggedTransport) Receive() (tp.Frame, error) {
	frame, err := l.inner.Receive()
	if err != nil {
		l.log.Error().Err(err).Msg("can receive error")
		return frame, err
	}
	if l.opts&LogRead != 0 {
		l.log.WithLevel(l.level).
			Uint32("id", frame.Identifier()).
			Bool("extended", frame.IsExtended()).
			Int("len", len(frame.Data)).
			Hex("data", frame.Data).
			Msg("can receive")
	}
	return frame, nil
}

func (l *LoggedTransport) SetFilters(filters []tp.Filter) error {
	l.log.Debug().Int("count", len(filters)).Msg("can filters")
	return l.inner.SetFilters(filters)
}

func (l *LoggedTransport) Close() error {
	return l.inner.Close()
}
