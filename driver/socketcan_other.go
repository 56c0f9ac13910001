//go:build !linux

package driver

import (
	"fmt"
	"runtime"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

// SocketCAN is only available on Linux.
type SocketCAN struct{ tp.Transport }

func DialSocketCAN(iface string, fd bool, log zerolog.Logger) (*SocketCAN, error) {
	return nil, fmt.Errorf("socketcan: %s: not supported on %s", iface, runtime.GOOS)
}
