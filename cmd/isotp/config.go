package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/LoveWonYoung/canisotp/udsclient"
)

// config is the resolved CLI configuration.
type config struct {
	Transport   string
	Interface   string
	SerialBaud  int
	Bitrate     int
	DataBitrate int
	FD          bool

	Destination uint32
	GatewayAddr string
	MetricsAddr string

	LogLevel  string
	LogDir    string
	LogFrames bool

	Params tp.ProtocolParameters
	Queue  tp.QueueSettings

	Request       udsclient.RequestOptions
	SecurityLevel byte
	SecurityKey   []byte
}

func defaultConfig() config {
	return config{
		Transport:   "socketcan",
		Interface:   "can0",
		SerialBaud:  115200,
		Bitrate:     500000,
		DataBitrate: 2000000,
		Destination: tp.StandardRequestBase,
		LogLevel:    "info",
		Params:      tp.DefaultParameters(),
		Queue:       tp.DefaultQueueSettings(),
		Request:     udsclient.DefaultRequestOptions(),
	}
}

// isotp config.toml key mapping.
type fileConfig struct {
	Transport   string `toml:"transport"`
	Interface   string `toml:"interface"`
	SerialBaud  int    `toml:"serial_baud"`
	Bitrate     int    `toml:"bitrate"`
	DataBitrate int    `toml:"data_bitrate"`
	FD          bool   `toml:"fd"`
	Destination string `toml:"destination"`
	GatewayAddr string `toml:"gateway_listen_addr"`
	MetricsAddr string `toml:"metrics_listen_addr"`
	LogLevel    string `toml:"log_level"`
	LogDir      string `toml:"log_dir"`
	LogFrames   bool   `toml:"log_frames"`

	Protocol protocolFileConfig `toml:"protocol"`
	Queue    queueFileConfig    `toml:"queue"`
	UDS      udsFileConfig      `toml:"uds"`
}

type protocolFileConfig struct {
	BlockSize       int    `toml:"block_size"`
	SeparationTime  string `toml:"separation_time"`
	OutboundTimeout string `toml:"outbound_timeout"`
	InboundTimeout  string `toml:"inbound_timeout"`
	MaxPayload      int    `toml:"max_payload"`
	Padding         int    `toml:"padding"`
	MaxWaitFrames   int    `toml:"max_wait_frames"`
}

type queueFileConfig struct {
	Capacity      int `toml:"capacity"`
	LowWatermark  int `toml:"low_watermark"`
	HighWatermark int `toml:"high_watermark"`
}

type udsFileConfig struct {
	Timeout        string `toml:"timeout"`
	PendingTimeout string `toml:"pending_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	RetryDelay     string `toml:"retry_delay"`
	SecurityLevel  int    `toml:"security_level"`
	SecurityKey    string `toml:"security_key"`
}

// loadConfig reads path and overlays the keys it defines onto the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load isotp config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load isotp config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("interface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("serial_baud") {
		cfg.SerialBaud = raw.SerialBaud
	}
	if meta.IsDefined("bitrate") {
		cfg.Bitrate = raw.Bitrate
	}
	if meta.IsDefined("data_bitrate") {
		cfg.DataBitrate = raw.DataBitrate
	}
	if meta.IsDefined("fd") {
		cfg.FD = raw.FD
	}
	if meta.IsDefined("destination") {
		cfg.Destination, err = parseIdentifier(raw.Destination)
		if err != nil {
			return config{}, fmt.Errorf("load isotp config: destination: %w", err)
		}
	}
	if meta.IsDefined("gateway_listen_addr") {
		cfg.GatewayAddr = strings.TrimSpace(raw.GatewayAddr)
	}
	if meta.IsDefined("metrics_listen_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_dir") {
		cfg.LogDir = strings.TrimSpace(raw.LogDir)
	}
	if meta.IsDefined("log_frames") {
		cfg.LogFrames = raw.LogFrames
	}

	p := raw.Protocol
	if meta.IsDefined("protocol", "block_size") {
		if p.BlockSize < 0 || p.BlockSize > 0xFF {
			return config{}, fmt.Errorf("load isotp config: block_size %d out of range", p.BlockSize)
		}
		cfg.Params.InboundBlockSize = uint8(p.BlockSize)
	}
	if meta.IsDefined("protocol", "separation_time") {
		if cfg.Params.InboundSeparationTime, err = parseDuration("separation_time", p.SeparationTime); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("protocol", "outbound_timeout") {
		if cfg.Params.OutboundTimeout, err = parseDuration("outbound_timeout", p.OutboundTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("protocol", "inbound_timeout") {
		if cfg.Params.InboundTimeout, err = parseDuration("inbound_timeout", p.InboundTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("protocol", "max_payload") {
		cfg.Params.MaxPayload = p.MaxPayload
	}
	if meta.IsDefined("protocol", "padding") {
		if p.Padding < 0 || p.Padding > 0xFF {
			return config{}, fmt.Errorf("load isotp config: padding 0x%X is not a byte", p.Padding)
		}
		pad := byte(p.Padding)
		cfg.Params.Padding = &pad
	}
	if meta.IsDefined("protocol", "max_wait_frames") {
		cfg.Params.MaxWaitFrames = p.MaxWaitFrames
	}

	if meta.IsDefined("queue", "capacity") {
		cfg.Queue.Capacity = raw.Queue.Capacity
	}
	if meta.IsDefined("queue", "low_watermark") {
		cfg.Queue.LowWatermark = raw.Queue.LowWatermark
	}
	if meta.IsDefined("queue", "high_watermark") {
		cfg.Queue.HighWatermark = raw.Queue.HighWatermark
	}

	u := raw.UDS
	if meta.IsDefined("uds", "timeout") {
		if cfg.Request.Timeout, err = parseDuration("uds.timeout", u.Timeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("uds", "pending_timeout") {
		if cfg.Request.PendingTimeout, err = parseDuration("uds.pending_timeout", u.PendingTimeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("uds", "max_retries") {
		cfg.Request.MaxRetries = u.MaxRetries
	}
	if meta.IsDefined("uds", "retry_delay") {
		if cfg.Request.RetryDelay, err = parseDuration("uds.retry_delay", u.RetryDelay); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("uds", "security_level") {
		if u.SecurityLevel <= 0 || u.SecurityLevel > 0x7F || u.SecurityLevel%2 == 0 {
			return config{}, fmt.Errorf("load isotp config: security_level 0x%X must be an odd request seed level", u.SecurityLevel)
		}
		cfg.SecurityLevel = byte(u.SecurityLevel)
	}
	if meta.IsDefined("uds", "security_key") {
		cfg.SecurityKey, err = udsclient.HexStringToByteSlice(strings.TrimSpace(u.SecurityKey))
		if err != nil {
			return config{}, fmt.Errorf("load isotp config: security_key: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("load isotp config: %w", err)
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Transport {
	case "socketcan", "slcan", "websocket", "toomoss", "loopback":
	default:
		return fmt.Errorf("unsupported transport %q (expected socketcan, slcan, websocket, toomoss or loopback)", c.Transport)
	}
	if (c.Transport == "socketcan" || c.Transport == "slcan" || c.Transport == "websocket") && c.Interface == "" {
		return fmt.Errorf("transport %s needs an interface", c.Transport)
	}
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if len(c.SecurityKey) > 0 && c.SecurityLevel == 0 {
		return fmt.Errorf("security_key requires security_level")
	}
	return nil
}

// parseIdentifier reads a hex CAN identifier such as "7E0", "0x7DF" or
// "18DA10F1". Identifiers above 0x7FF, or written with more than three
// digits, are 29-bit.
func parseIdentifier(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty identifier")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", s, err)
	}
	if v > 0x1FFFFFFF {
		return 0, fmt.Errorf("identifier 0x%X exceeds 29 bits", v)
	}
	id := uint32(v)
	if id > 0x7FF || len(s) > 3 {
		id |= tp.FlagExtended
	}
	return id, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("load isotp config: %s: %w", key, err)
	}
	return d, nil
}
