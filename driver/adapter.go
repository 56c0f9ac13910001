package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

// Adapter 把基于 channel 的 CANDriver 适配成 tp.Transport:
// 提供 PollReadable/Receive 语义, 并在软件层面执行接收过滤
type Adapter struct {
	dev     CANDriver
	rxChan  <-chan tp.Frame
	filters filterSet
	log     zerolog.Logger

	mu      sync.Mutex
	pending *tp.Frame
	closed  bool
}

// NewAdapter 启动设备并返回适配器
func NewAdapter(dev CANDriver, log zerolog.Logger) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("start CAN device: %w", err)
	}
	log.Debug().Msg("adapter started")
	return &Adapter{dev: dev, rxChan: dev.RxChan(), log: log}, nil
}

func (a *Adapter) Send(frame tp.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return a.dev.Write(frame)
}

// PollReadable 等待下一个通过过滤器的帧, 不匹配的帧直接丢弃
func (a *Adapter) PollReadable(timeout time.Duration) (bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false, ErrClosed
	}
	if a.pending != nil {
		a.mu.Unlock()
		return true, nil
	}
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frame, ok := <-a.rxChan:
			if !ok {
				return false, ErrClosed
			}
			if !a.filters.Accept(frame.ID) {
				continue
			}
			a.mu.Lock()
			a.pending = &frame
			a.mu.Unlock()
			return true, nil
		case <-timer.C:
			return false, nil
		}
	}
}

func (a *Adapter) Receive() (tp.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return tp.Frame{}, ErrClosed
	}
	if a.pending == nil {
		return tp.Frame{}, temporaryError{errors.New("driver: no frame pending")}
	}
	frame := *a.pending
	a.pending = nil
	return frame, nil
}

func (a *Adapter) SetFilters(filters []tp.Filter) error {
	a.filters.Set(filters)
	return nil
}

// Close 停止设备
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.pending = nil
	a.mu.Unlock()
	a.log.Debug().Msg("adapter closed")
	return a.dev.Stop()
}
