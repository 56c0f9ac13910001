package driver

import (
	"errors"
	"sync"

	"github.com/LoveWonYoung/canisotp/tp"
)

// ErrClosed is returned by every transport after Close.
var ErrClosed = errors.New("driver: transport closed")

// temporaryError marks a failure the broker may retry.
type temporaryError struct{ err error }

func (e temporaryError) Error() string   { return e.err.Error() }
func (e temporaryError) Unwrap() error   { return e.err }
func (e temporaryError) Temporary() bool { return true }

// CANDriver 定义了CAN/CAN-FD设备的统一接口: 设备在自己的goroutine里把收到的帧写入 RxChan
type CANDriver interface {
	Start() error
	Stop() error
	Write(frame tp.Frame) error
	RxChan() <-chan tp.Frame
}

// filterSet 是软件过滤器, 语义与 SocketCAN 的 CAN_RAW_FILTER 一致: 空集合不接收任何帧
type filterSet struct {
	mu      sync.RWMutex
	filters []tp.Filter
}

func (s *filterSet) Set(filters []tp.Filter) {
	s.mu.Lock()
	s.filters = append([]tp.Filter(nil), filters...)
	s.mu.Unlock()
}

func (s *filterSet) Accept(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.filters {
		if f.Matches(id) {
			return true
		}
	}
	return false
}

// dataLenToDlc 将CAN/CAN-FD的实际数据字节长度转换为DLC码
func dataLenToDlc(n int) byte {
	if n <= 8 {
		return byte(n)
	}
	switch {
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

// dlcToLen 将CAN/CAN-FD的DLC码转换为实际的数据字节长度
func dlcToLen(dlc byte) int {
	if dlc <= 8 {
		return int(dlc)
	}
	switch dlc {
	case 9:
		return 12
	case 10:
		return 16
	case 11:
		return 20
	case 12:
		return 24
	case 13:
		return 32
	case 14:
		return 48
	default:
		return 64
	}
}
