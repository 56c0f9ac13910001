//go:build linux

package driver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// SocketCAN is a tp.Transport over a Linux raw CAN socket. Receive filters
// are installed in the kernel with CAN_RAW_FILTER.
type SocketCAN struct {
	fd       int
	fdMu     sync.RWMutex
	fdFrames bool
	log      zerolog.Logger
	buf      []byte
}

// DialSocketCAN opens a raw CAN socket bound to iface (e.g. "can0"). With
// fd set the socket also carries CAN FD frames.
func DialSocketCAN(iface string, fd bool, log zerolog.Logger) (*SocketCAN, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan: interface %s: %w", iface, err)
	}
	sock, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}
	if fd {
		if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(sock)
			return nil, fmt.Errorf("socketcan: enable CAN FD: %w", err)
		}
	}
	// Accept nothing until the broker installs its filters.
	if err := unix.SetsockoptCanRawFilter(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, nil); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("socketcan: filter: %w", err)
	}
	if err := unix.Bind(sock, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("socketcan: bind %s: %w", iface, err)
	}
	log.Info().Str("iface", iface).Bool("fd", fd).Msg("socketcan opened")
	return &SocketCAN{fd: sock, fdFrames: fd, log: log, buf: make([]byte, fdFrameSize)}, nil
}

func (s *SocketCAN) handle() (int, error) {
	s.fdMu.RLock()
	defer s.fdMu.RUnlock()
	if s.fd < 0 {
		return -1, ErrClosed
	}
	return s.fd, nil
}

func (s *SocketCAN) Send(frame tp.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	fd, err := s.handle()
	if err != nil {
		return err
	}
	b, err := marshalFrame(frame, s.fdFrames && frame.IsFD())
	if err != nil {
		return err
	}
	n, err := unix.Write(fd, b)
	if err != nil {
		return classify(err)
	}
	if n != len(b) {
		return errors.New("socketcan: short write")
	}
	return nil
}

func (s *SocketCAN) PollReadable(timeout time.Duration) (bool, error) {
	fd, err := s.handle()
	if err != nil {
		return false, err
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return false, classify(err)
	}
	if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("socketcan: poll revents 0x%x", fds[0].Revents)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// Receive reads one frame. Only the broker's reader goroutine calls it.
func (s *SocketCAN) Receive() (tp.Frame, error) {
	fd, err := s.handle()
	if err != nil {
		return tp.Frame{}, err
	}
	n, err := unix.Read(fd, s.buf)
	if err != nil {
		return tp.Frame{}, classify(err)
	}
	return unmarshalFrame(s.buf[:n])
}

func (s *SocketCAN) SetFilters(filters []tp.Filter) error {
	fd, err := s.handle()
	if err != nil {
		return err
	}
	kf := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		kf = append(kf, unix.CanFilter{Id: f.ID, Mask: f.Mask})
	}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
		return fmt.Errorf("socketcan: filter: %w", err)
	}
	s.log.Debug().Int("count", len(kf)).Msg("socketcan filters installed")
	return nil
}

func (s *SocketCAN) Close() error {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// classify marks EAGAIN-like errors as retryable.
func classify(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
		return temporaryError{err}
	}
	return err
}
