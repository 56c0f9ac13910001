package driver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

const slcanReadTimeout = 50 * time.Millisecond

// slcanBitrates maps a nominal bitrate to its SLCAN 'S' command.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// OpenSLCAN 打开串口上的 SLCAN 适配器 (CANable, USBtin 等) 并返回 tp.Transport
func OpenSLCAN(path string, baud, bitrate int, log zerolog.Logger) (*Adapter, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: set read timeout: %w", err)
	}
	log.Info().Str("port", path).Int("baud", baud).Int("bitrate", bitrate).Msg("slcan port opened")
	return NewAdapter(NewSLCANDevice(port, bitrate, log), log)
}

// SLCANDevice speaks the Lawicel ASCII protocol over any byte stream.
type SLCANDevice struct {
	port    io.ReadWriteCloser
	bitrate int
	log     zerolog.Logger

	rx      chan tp.Frame
	done    chan struct{}
	wg      sync.WaitGroup
	writeMu sync.Mutex
	once    sync.Once
}

func NewSLCANDevice(port io.ReadWriteCloser, bitrate int, log zerolog.Logger) *SLCANDevice {
	return &SLCANDevice{
		port:    port,
		bitrate: bitrate,
		log:     log,
		rx:      make(chan tp.Frame, loopbackBufferSize),
		done:    make(chan struct{}),
	}
}

// Start 关闭通道, 设置波特率, 再打开通道, 然后启动接收goroutine
func (d *SLCANDevice) Start() error {
	speed, ok := slcanBitrates[d.bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d", d.bitrate)
	}
	for _, cmd := range []string{"C", speed, "O"} {
		if err := d.command(cmd); err != nil {
			return err
		}
	}
	d.wg.Add(1)
	go d.readLoop()
	return nil
}

func (d *SLCANDevice) command(cmd string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := io.WriteString(d.port, cmd+"\r"); err != nil {
		return fmt.Errorf("slcan: command %q: %w", cmd, err)
	}
	return nil
}

func (d *SLCANDevice) Write(frame tp.Frame) error {
	line, err := EncodeSLCAN(frame)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err = io.WriteString(d.port, line)
	return err
}

func (d *SLCANDevice) RxChan() <-chan tp.Frame { return d.rx }

// Stop 关闭通道和串口, 等待接收goroutine退出
func (d *SLCANDevice) Stop() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		_ = d.command("C")
		err = d.port.Close()
		d.wg.Wait()
		close(d.rx)
	})
	return err
}

func (d *SLCANDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-d.done:
			return
		default:
		}
		n, err := d.port.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-d.done:
				default:
					d.log.Error().Err(err).Msg("slcan read")
				}
			}
			return
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				d.handleLine(line)
				line = line[:0]
			case '\a':
				d.log.Warn().Msg("slcan adapter reported error")
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
	}
}

func (d *SLCANDevice) handleLine(line []byte) {
	if len(line) == 0 || line[0] == 'z' || line[0] == 'Z' {
		return
	}
	frame, err := DecodeSLCAN(string(line))
	if err != nil {
		d.log.Debug().Err(err).Str("line", string(line)).Msg("slcan line ignored")
		return
	}
	select {
	case d.rx <- frame:
	case <-d.done:
	default:
		d.log.Warn().Str("frame", frame.String()).Msg("slcan rx buffer full, frame dropped")
	}
}

// EncodeSLCAN converts a frame into its SLCAN line, including the trailing
// '\r'. CAN FD frames use the 'b'/'B' commands (bit rate switch).
func EncodeSLCAN(frame tp.Frame) (string, error) {
	if !tp.ValidFrameLength(len(frame.Data)) {
		return "", fmt.Errorf("slcan: invalid frame length %d", len(frame.Data))
	}
	var builder strings.Builder
	var cmd byte
	switch {
	case frame.IsFD():
		cmd = 'b'
	case frame.IsRemote():
		cmd = 'r'
	default:
		cmd = 't'
	}
	if frame.IsExtended() {
		cmd -= 'a' - 'A'
		builder.WriteByte(cmd)
		builder.WriteString(fmt.Sprintf("%08X", frame.Identifier()))
	} else {
		builder.WriteByte(cmd)
		builder.WriteString(fmt.Sprintf("%03X", frame.Identifier()))
	}
	builder.WriteString(fmt.Sprintf("%X", dataLenToDlc(len(frame.Data))))
	if !frame.IsRemote() {
		builder.WriteString(strings.ToUpper(hex.EncodeToString(frame.Data)))
	}
	builder.WriteByte('\r')
	return builder.String(), nil
}

// DecodeSLCAN parses one SLCAN frame line without the trailing '\r'.
func DecodeSLCAN(line string) (tp.Frame, error) {
	if len(line) < 1 {
		return tp.Frame{}, errors.New("slcan: empty line")
	}
	var idLen int
	var id uint32
	remote, fd := false, false
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, id = 8, tp.FlagExtended
	case 'r':
		idLen, remote = 3, true
	case 'R':
		idLen, id, remote = 8, tp.FlagExtended, true
	case 'd', 'b':
		idLen, fd = 3, true
	case 'D', 'B':
		idLen, id, fd = 8, tp.FlagExtended, true
	default:
		return tp.Frame{}, fmt.Errorf("slcan: unknown command %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return tp.Frame{}, fmt.Errorf("slcan: line %q too short", line)
	}
	raw, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return tp.Frame{}, fmt.Errorf("slcan: identifier: %w", err)
	}
	id |= uint32(raw)
	dlc, err := strconv.ParseUint(line[1+idLen:2+idLen], 16, 8)
	if err != nil {
		return tp.Frame{}, fmt.Errorf("slcan: dlc: %w", err)
	}
	if !fd && dlc > 8 {
		return tp.Frame{}, fmt.Errorf("slcan: dlc %d on classic frame", dlc)
	}
	n := dlcToLen(byte(dlc))
	if remote {
		id |= tp.FlagRemote
		return tp.Frame{ID: id}, nil
	}
	hexData := line[2+idLen:]
	if len(hexData) < 2*n {
		return tp.Frame{}, fmt.Errorf("slcan: want %d data bytes, line has %d hex digits", n, len(hexData))
	}
	data, err := hex.DecodeString(hexData[:2*n])
	if err != nil {
		return tp.Frame{}, fmt.Errorf("slcan: data: %w", err)
	}
	return tp.Frame{ID: id, Data: data}, nil
}
