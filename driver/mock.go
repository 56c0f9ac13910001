package driver

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

// MockDevice 是虚拟 CAN 设备, 不依赖实际硬件.
// 它记录所有写入的帧, 并按预设规则自动应答
type MockDevice struct {
	mu        sync.Mutex
	rxChan    chan tp.Frame
	running   bool
	log       zerolog.Logger
	writeLog  []WriteRecord
	responses []MockResponse
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Frame     tp.Frame
	Timestamp time.Time
}

// MockResponse 定义预设的自动响应
type MockResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	ResponseID  uint32        // 响应的 ID
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

func NewMockDevice(log zerolog.Logger) *MockDevice {
	return &MockDevice{
		rxChan: make(chan tp.Frame, loopbackBufferSize),
		log:    log,
	}
}

// Start 启动虚拟设备
func (m *MockDevice) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.log.Debug().Msg("mock device started")
	return nil
}

// Stop 停止虚拟设备
func (m *MockDevice) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	close(m.rxChan)
	m.log.Debug().Msg("mock device stopped")
	return nil
}

// Write 记录帧并触发匹配的预设响应
func (m *MockDevice) Write(frame tp.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("mock device not running")
	}

	m.writeLog = append(m.writeLog, WriteRecord{Frame: frame.Clone(), Timestamp: time.Now()})
	m.log.Debug().Str("frame", frame.String()).Msg("mock tx")

	for _, resp := range m.responses {
		if resp.TriggerID != frame.ID || !bytes.HasPrefix(frame.Data, resp.TriggerData) {
			continue
		}
		go func(r MockResponse) {
			time.Sleep(r.Delay)
			if err := m.Inject(tp.NewFrame(r.ResponseID, r.Response)); err != nil {
				m.log.Warn().Err(err).Msg("mock response dropped")
			}
		}(resp)
	}
	return nil
}

func (m *MockDevice) RxChan() <-chan tp.Frame { return m.rxChan }

// Inject 向接收通道注入一帧 (模拟接收)
func (m *MockDevice) Inject(frame tp.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("mock device not running")
	}
	select {
	case m.rxChan <- frame:
		m.log.Debug().Str("frame", frame.String()).Msg("mock rx")
		return nil
	default:
		return fmt.Errorf("mock rx buffer full")
	}
}

// AddResponse 添加一个预设响应
func (m *MockDevice) AddResponse(r MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
}

// ClearResponses 清除所有预设响应
func (m *MockDevice) ClearResponses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = nil
}

// WriteLog 获取写入日志
func (m *MockDevice) WriteLog() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteRecord(nil), m.writeLog...)
}

// ClearWriteLog 清除写入日志
func (m *MockDevice) ClearWriteLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLog = nil
}
