//go:build linux

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ioctl request from linux/i2c-dev.h
const i2cSlave = 0x0703

// i2cDev is a device on a Linux i2c-dev bus.
type i2cDev struct {
	fd int
}

func openI2C(bus int, addr uint16) (i2cConn, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("select address 0x%02x on %s: %w", addr, path, err)
	}
	return &i2cDev{fd: fd}, nil
}

func (d *i2cDev) Write(b []byte) (int, error) {
	n, err := unix.Write(d.fd, b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return n, nil
}

func (d *i2cDev) Close() error {
	return unix.Close(d.fd)
}
