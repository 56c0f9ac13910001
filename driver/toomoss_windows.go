//go:build windows

package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

// 缓冲区和轮询配置常量
const (
	toomossMsgBufferSize = 1024                  // 每次轮询最多读取的消息数
	toomossPollInterval  = time.Millisecond      // 轮询间隔
	toomossInitDelay     = 20 * time.Millisecond // 初始化延迟
)

const (
	canfdMsgFlagBRS = 0x01 // CANFD加速帧标志
	canfdMsgFlagESI = 0x02 // CANFD错误状态指示
	canfdMsgFlagFDF = 0x04 // CANFD帧标志
)

// canfdInitConfig 对应 USB2XXX 的 CANFD_INIT_CONFIG
type canfdInitConfig struct {
	Mode         byte
	ISOCRCEnable byte
	RetrySend    byte
	ResEnable    byte
	NBT_BRP      byte
	NBT_SEG1     byte
	NBT_SEG2     byte
	NBT_SJW      byte
	DBT_BRP      byte
	DBT_SEG1     byte
	DBT_SEG2     byte
	DBT_SJW      byte
	_            [8]byte
}

// canfdMsg 对应 USB2XXX 的 CANFD_MSG. ID 的 bit31 为扩展帧, bit30 为远程帧,
// 与 tp.Frame 的标志位一致
type canfdMsg struct {
	ID        uint32
	DLC       byte
	Flags     byte
	_         [2]byte
	TimeStamp uint32
	Data      [64]byte
}

type toomossDevice struct {
	cfg ToomossConfig
	log zerolog.Logger

	usb       *windows.LazyDLL
	scan      *windows.LazyProc
	open      *windows.LazyProc
	closeDev  *windows.LazyProc
	speedArg  *windows.LazyProc
	fdInit    *windows.LazyProc
	startRecv *windows.LazyProc
	getMsg    *windows.LazyProc
	sendMsg   *windows.LazyProc

	handles [10]int32
	rxChan  chan tp.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
	once    sync.Once
}

func newToomossDevice(cfg ToomossConfig, log zerolog.Logger) (CANDriver, error) {
	if cfg.Device < 0 || cfg.Device >= 10 {
		return nil, fmt.Errorf("toomoss: device index %d out of range", cfg.Device)
	}
	// libusb 必须先于 USB2XXX 加载
	if err := windows.NewLazyDLL(filepath.Join(cfg.DLLDir, "libusb-1.0.dll")).Load(); err != nil {
		return nil, fmt.Errorf("toomoss: load libusb: %w", err)
	}
	usb := windows.NewLazyDLL(filepath.Join(cfg.DLLDir, "USB2XXX.dll"))
	if err := usb.Load(); err != nil {
		return nil, fmt.Errorf("toomoss: load USB2XXX: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &toomossDevice{
		cfg:       cfg,
		log:       log.With().Str("driver", "toomoss").Logger(),
		usb:       usb,
		scan:      usb.NewProc("USB_ScanDevice"),
		open:      usb.NewProc("USB_OpenDevice"),
		closeDev:  usb.NewProc("USB_CloseDevice"),
		speedArg:  usb.NewProc("CANFD_GetCANSpeedArg"),
		fdInit:    usb.NewProc("CANFD_Init"),
		startRecv: usb.NewProc("CANFD_StartGetMsg"),
		getMsg:    usb.NewProc("CANFD_GetMsg"),
		sendMsg:   usb.NewProc("CANFD_SendMsg"),
		rxChan:    make(chan tp.Frame, loopbackBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (d *toomossDevice) handle() uintptr {
	return uintptr(d.handles[d.cfg.Device])
}

// Start 扫描并打开设备, 按配置的波特率初始化 CAN-FD 通道, 然后启动读取服务
func (d *toomossDevice) Start() error {
	n, _, _ := d.scan.Call(uintptr(unsafe.Pointer(&d.handles[0])))
	if int32(n) <= int32(d.cfg.Device) {
		return fmt.Errorf("toomoss: device %d not found (%d scanned)", d.cfg.Device, int32(n))
	}
	if state, _, _ := d.open.Call(d.handle()); int32(state) < 1 {
		return errors.New("toomoss: open device failed")
	}

	initCfg := canfdInitConfig{
		RetrySend:    1,
		ISOCRCEnable: 1,
		ResEnable:    1,
	}
	speed, _, _ := d.speedArg.Call(d.handle(), uintptr(unsafe.Pointer(&initCfg)),
		uintptr(d.cfg.NominalBitrate), uintptr(d.cfg.DataBitrate))
	ret, _, _ := d.fdInit.Call(d.handle(), uintptr(d.cfg.Channel), uintptr(unsafe.Pointer(&initCfg)))
	start, _, _ := d.startRecv.Call(d.handle(), uintptr(d.cfg.Channel))
	time.Sleep(toomossInitDelay)
	if speed != 0 || ret != 0 || start != 0 {
		d.closeDev.Call(d.handle())
		return fmt.Errorf("toomoss: CAN硬件初始化失败 (speed=%d init=%d start=%d)", int32(speed), int32(ret), int32(start))
	}
	d.log.Info().
		Int("channel", d.cfg.Channel).
		Int("nominal", d.cfg.NominalBitrate).
		Int("data", d.cfg.DataBitrate).
		Bool("fd", d.cfg.FD).
		Msg("CAN硬件初始化成功")

	d.wg.Add(1)
	go d.readLoop()
	return nil
}

func (d *toomossDevice) readLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(toomossPollInterval)
	defer ticker.Stop()
	var msgs [toomossMsgBufferSize]canfdMsg
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		r, _, _ := d.getMsg.Call(d.handle(), uintptr(d.cfg.Channel),
			uintptr(unsafe.Pointer(&msgs[0])), uintptr(len(msgs)))
		n := int(int32(r))
		if n < 0 {
			d.log.Warn().Int("ret", n).Msg("CANFD_GetMsg failed")
			continue
		}
		for i := 0; i < n; i++ {
			msg := &msgs[i]
			size := int(msg.DLC)
			if size == 0 || size > tp.FDMaxPayload {
				continue
			}
			frame := tp.NewFrame(msg.ID, msg.Data[:size])
			select {
			case d.rxChan <- frame:
			default:
				d.log.Warn().Str("frame", frame.String()).Msg("驱动接收channel已满, 消息被丢弃")
			}
		}
	}
}

func (d *toomossDevice) Write(frame tp.Frame) error {
	if len(frame.Data) > tp.FDMaxPayload || (!d.cfg.FD && len(frame.Data) > tp.ClassicMaxPayload) {
		return fmt.Errorf("toomoss: 数据长度 %d 超过最大长度", len(frame.Data))
	}
	var msg [1]canfdMsg
	msg[0].ID = frame.ID
	msg[0].DLC = byte(len(frame.Data))
	if d.cfg.FD {
		msg[0].Flags = canfdMsgFlagFDF | canfdMsgFlagBRS
	}
	copy(msg[0].Data[:], frame.Data)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	select {
	case <-d.ctx.Done():
		return ErrClosed
	default:
	}
	r, _, _ := d.sendMsg.Call(d.handle(), uintptr(d.cfg.Channel),
		uintptr(unsafe.Pointer(&msg[0])), uintptr(len(msg)))
	if int(int32(r)) != len(msg) {
		// 发送缓冲区满时可重试
		return temporaryError{fmt.Errorf("toomoss: CANFD_SendMsg returned %d for %s", int32(r), frame)}
	}
	return nil
}

func (d *toomossDevice) RxChan() <-chan tp.Frame { return d.rxChan }

// Stop 停止读取服务并关闭设备
func (d *toomossDevice) Stop() error {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.writeMu.Lock()
		d.closeDev.Call(d.handle())
		d.writeMu.Unlock()
		close(d.rxChan)
		d.log.Info().Msg("toomoss device closed")
	})
	return nil
}
