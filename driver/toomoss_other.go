//go:build !windows

package driver

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

func newToomossDevice(cfg ToomossConfig, log zerolog.Logger) (CANDriver, error) {
	return nil, fmt.Errorf("toomoss: USB2XXX driver not supported on %s", runtime.GOOS)
}
