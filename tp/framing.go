package tp

import (
	"fmt"
	"time"
)

const (
	// pciTypeSingleFrame (SF) 是 0
	pciTypeSingleFrame = 0x00
	// pciTypeFirstFrame (FF) 是 1
	pciTypeFirstFrame = 0x10
	// pciTypeConsecutiveFrame (CF) 是 2
	pciTypeConsecutiveFrame = 0x20
	// pciTypeFlowControl (FC) 是 3
	pciTypeFlowControl = 0x30
)

// MaxMessageSize 是 12 位首帧长度可表示的最大报文长度
const MaxMessageSize = 4095

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinueToSend:
		return "continue"
	case FlowStatusWait:
		return "wait"
	case FlowStatusOverflow:
		return "overflow"
	}
	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// fitsSingleFrame 判断数据能否放入一个单帧
func fitsSingleFrame(dataLen, maxPayload int) bool {
	if dataLen <= 7 {
		return dataLen+1 <= maxPayload
	}
	// CAN FD 使用长度转义
	return maxPayload > ClassicMaxPayload && dataLen+2 <= maxPayload
}

// encodeSingleFrame 创建单帧的数据负载
func encodeSingleFrame(data []byte, maxPayload int) ([]byte, error) {
	if !fitsSingleFrame(len(data), maxPayload) {
		return nil, fmt.Errorf("单帧数据长度 (%d) 超过最大限制 (%d)", len(data), maxPayload)
	}
	var payload []byte
	if len(data) <= 7 {
		payload = make([]byte, 0, len(data)+1)
		payload = append(payload, pciTypeSingleFrame|byte(len(data)))
	} else {
		payload = make([]byte, 0, len(data)+2)
		payload = append(payload, pciTypeSingleFrame, byte(len(data)))
	}
	return append(payload, data...), nil
}

// encodeFirstFrame 创建首帧的数据负载, chunk 为首帧携带的数据
func encodeFirstFrame(totalSize int, chunk []byte, maxPayload int) ([]byte, error) {
	if totalSize > MaxMessageSize {
		return nil, MessageTooLargeError{Size: totalSize}
	}
	if len(chunk)+2 > maxPayload {
		return nil, fmt.Errorf("首帧总长度 (%d) 超过最大限制 (%d)", len(chunk)+2, maxPayload)
	}
	payload := make([]byte, 0, len(chunk)+2)
	payload = append(payload, pciTypeFirstFrame|byte(totalSize>>8&0x0F), byte(totalSize&0xFF))
	return append(payload, chunk...), nil
}

// encodeConsecutiveFrame 创建连续帧的数据负载
func encodeConsecutiveFrame(sequenceNumber int, chunk []byte, maxPayload int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, fmt.Errorf("序列号必须在0到15之间, 实际为 %d", sequenceNumber)
	}
	if len(chunk)+1 > maxPayload {
		return nil, fmt.Errorf("连续帧总长度 (%d) 超过最大限制 (%d)", len(chunk)+1, maxPayload)
	}
	payload := make([]byte, 0, len(chunk)+1)
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber))
	return append(payload, chunk...), nil
}

// encodeFlowControl 创建流控帧的数据负载
func encodeFlowControl(status FlowStatus, blockSize uint8, separationTime time.Duration) []byte {
	return []byte{
		pciTypeFlowControl | byte(status&0x0F),
		blockSize,
		SeparationTimeToByte(separationTime),
	}
}

// padFrameData 填充到 8 字节, CAN FD 帧填充到最近的合法长度
func padFrameData(data []byte, padding byte) []byte {
	target := ClassicMaxPayload
	if len(data) > ClassicMaxPayload {
		target = nearestFDLength(len(data))
	}
	if len(data) >= target {
		return data
	}
	out := make([]byte, target)
	copy(out, data)
	for i := len(data); i < target; i++ {
		out[i] = padding
	}
	return out
}

func nearestFDLength(n int) int {
	for _, l := range []int{8, 12, 16, 20, 24, 32, 48, 64} {
		if n <= l {
			return l
		}
	}
	return FDMaxPayload
}
