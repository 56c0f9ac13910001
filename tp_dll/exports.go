package main

/*
#include <stdint.h>
#include <stdbool.h>
#include <stdlib.h>

// Tx 回调: id 为 CAN ID (bit31 为扩展帧), data/len 为帧数据
typedef void (*TxCallback)(uint32_t id, uint8_t* data, int len);

static void call_tx_callback(TxCallback cb, uint32_t id, uint8_t* data, int len) {
    if (cb != NULL) {
        cb(id, data, len);
    }
}
*/
import "C"
import (
	"context"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

const inboundBufferSize = 100

// 全局状态, 由 mu 保护
var (
	mu         sync.Mutex
	device     *driver.CallbackDevice
	broker     *tp.Broker
	channel    *tp.Channel
	inbound    chan []byte
	txCallback C.TxCallback

	log = zerolog.New(os.Stderr).With().Timestamp().Str("app", "isotp_dll").Logger().Level(zerolog.WarnLevel)
)

// frameID 保留宿主 ID 的 EFF 标志 (bit31) 和 29 位标识符
func frameID(id uint32) uint32 {
	return id & (tp.FlagExtended | tp.MaskExtended)
}

func transmit(frame tp.Frame) error {
	var ptr *C.uint8_t
	if len(frame.Data) > 0 {
		ptr = (*C.uint8_t)(unsafe.Pointer(&frame.Data[0]))
	}
	C.call_tx_callback(txCallback, C.uint32_t(frame.ID), ptr, C.int(len(frame.Data)))
	return nil
}

// GoInitTp 初始化 ISO-TP 层. rxID 为接收 ID, txID 为发送 ID, bit31 置位表示扩展帧.
// cb 负责把帧发到总线上. 返回 0 表示成功, -1 表示失败
//
//export GoInitTp
func GoInitTp(rxID uint32, txID uint32, isFD bool, cb C.TxCallback) C.int {
	GoCloseTp()

	mu.Lock()
	defer mu.Unlock()

	rx, tx := frameID(rxID), frameID(txID)
	for _, id := range []uint32{rx, tx} {
		if err := (tp.Frame{ID: id}).Validate(); err != nil {
			log.Error().Err(err).Uint32("id", id).Msg("ID 无效, 29 位 ID 需要置位 bit31")
			return -1
		}
	}

	params := tp.DefaultParameters()
	if isFD {
		params.MaxPayload = tp.FDMaxPayload
	}
	txCallback = cb
	dev := driver.NewCallbackDevice(transmit)
	adapter, err := driver.NewAdapter(dev, log)
	if err != nil {
		log.Error().Err(err).Msg("init adapter")
		return -1
	}
	b, err := tp.Bind(adapter, params, tp.DefaultQueueSettings(), tp.WithLogger(log))
	if err != nil {
		adapter.Close()
		log.Error().Err(err).Msg("bind broker")
		return -1
	}
	ch, err := b.CreateChannel(tx, tp.ExactFilter(rx))
	if err != nil {
		b.Close()
		log.Error().Err(err).Msg("create channel")
		return -1
	}
	in := make(chan []byte, inboundBufferSize)
	ch.SetInboundHandler(func(sender uint32, payload []byte) {
		select {
		case in <- payload:
		default:
			log.Warn().Int("len", len(payload)).Msg("inbound buffer full, message dropped")
		}
	})
	ch.SetErrorHandler(func(err error) {
		log.Warn().Err(err).Msg("receive error")
	})

	device, broker, channel, inbound = dev, b, ch, in
	return 0
}

// GoInputCanFrame 由宿主在收到 CAN 帧时调用, 不阻塞
//
//export GoInputCanFrame
func GoInputCanFrame(id uint32, data *C.uint8_t, length int) {
	mu.Lock()
	dev := device
	mu.Unlock()
	if dev == nil || length < 0 {
		return
	}
	goData := C.GoBytes(unsafe.Pointer(data), C.int(length))
	if err := dev.Inject(tp.Frame{ID: frameID(id), Data: goData}); err != nil {
		log.Warn().Err(err).Uint32("id", id).Msg("input frame")
	}
}

// GoSendTp 把 data 排入发送队列, 返回 0 表示已排队, -1 表示失败
//
//export GoSendTp
func GoSendTp(data *C.uint8_t, length int) C.int {
	mu.Lock()
	ch := channel
	mu.Unlock()
	if ch == nil || length < 0 {
		return -1
	}
	goData := C.GoBytes(unsafe.Pointer(data), C.int(length))
	result, err := ch.Send(context.Background(), goData)
	if err != nil {
		log.Error().Err(err).Msg("send")
		return -1
	}
	go func() {
		<-result.Done()
		if err := result.Err(); err != nil {
			log.Error().Err(err).Int("len", len(goData)).Msg("send failed")
		}
	}()
	return 0
}

// GoRecvTp 等待一条完整消息并拷贝到 buffer.
// 返回写入的字节数, 超时返回 0, buffer 太小返回 -1
//
//export GoRecvTp
func GoRecvTp(buffer *C.uint8_t, capacity int, timeoutMs int) C.int {
	mu.Lock()
	in := inbound
	mu.Unlock()
	if in == nil {
		return 0
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case data := <-in:
		if len(data) > capacity {
			return -1
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(buffer)), capacity), data)
		return C.int(len(data))
	case <-timer.C:
		return 0
	}
}

//export GoCloseTp
func GoCloseTp() {
	mu.Lock()
	defer mu.Unlock()
	if broker != nil {
		broker.Close()
	}
	device, broker, channel, inbound = nil, nil, nil, nil
}

func main() {
	// buildmode=c-shared 需要 main 函数
}
