package driver

import (
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
)

// ToomossConfig 描述 Toomoss USB2XXX CAN/CAN-FD 适配器的打开参数
type ToomossConfig struct {
	// DLLDir 存放 USB2XXX.dll 和 libusb-1.0.dll 的目录
	DLLDir string
	// Device 是扫描到的设备序号, Channel 是适配器上的 CAN 通道
	Device  int
	Channel int
	// FD 为 true 时所有帧以 CAN-FD (FDF|BRS) 发送
	FD             bool
	NominalBitrate int
	DataBitrate    int
}

// DefaultToomossConfig 返回 500k/2M, 通道 0, DLL 目录按 GOARCH 选择
func DefaultToomossConfig() ToomossConfig {
	arch := "windows_x64"
	if runtime.GOARCH == "386" {
		arch = "windows_x86"
	}
	return ToomossConfig{
		DLLDir:         filepath.Join("DLLs", arch),
		NominalBitrate: 500_000,
		DataBitrate:    2_000_000,
	}
}

// OpenToomoss 初始化 Toomoss 适配器并返回 tp.Transport. 仅支持 Windows
func OpenToomoss(cfg ToomossConfig, log zerolog.Logger) (*Adapter, error) {
	dev, err := newToomossDevice(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewAdapter(dev, log)
}
