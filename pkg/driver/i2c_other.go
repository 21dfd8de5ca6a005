//go:build !linux

package driver

import (
	"fmt"
	"runtime"
)

func openI2C(bus int, addr uint16) (i2cConn, error) {
	return nil, fmt.Errorf("i2c-dev is not supported on %s", runtime.GOOS)
}
