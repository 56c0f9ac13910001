package driver

import (
	"errors"
	"sync"

	"github.com/LoveWonYoung/canisotp/tp"
)

// CallbackDevice 把 CAN 收发交给宿主程序 (例如通过 DLL 调用本库的应用):
// 发送时调用 send 回调, 宿主收到的帧通过 Inject 推入
type CallbackDevice struct {
	send func(tp.Frame) error

	mu      sync.RWMutex
	rx      chan tp.Frame
	running bool
}

func NewCallbackDevice(send func(tp.Frame) error) *CallbackDevice {
	return &CallbackDevice{
		send: send,
		rx:   make(chan tp.Frame, loopbackBufferSize),
	}
}

func (d *CallbackDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.send == nil {
		return errors.New("callback device: no send callback")
	}
	d.running = true
	return nil
}

func (d *CallbackDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.running = false
		close(d.rx)
	}
	return nil
}

func (d *CallbackDevice) Write(frame tp.Frame) error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return ErrClosed
	}
	return d.send(frame)
}

func (d *CallbackDevice) RxChan() <-chan tp.Frame { return d.rx }

// Inject 推入一帧接收到的报文, 缓冲区满时丢弃并返回错误, 不阻塞宿主线程
func (d *CallbackDevice) Inject(frame tp.Frame) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return ErrClosed
	}
	select {
	case d.rx <- frame.Clone():
		return nil
	default:
		return errors.New("callback device: rx buffer full, frame dropped")
	}
}
