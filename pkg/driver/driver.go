// Package driver provides the hardware backends that turn servo angles
// into signals: a PCA9685 PWM board, a feetech serial bus, and a
// simulated backend that does no I/O.
package driver

import (
	"context"
	"errors"
)

// ErrUnknownChannel is returned when a channel was never configured.
var ErrUnknownChannel = errors.New("unknown channel")

// Driver is the hardware capability the motion controller writes through.
// Implementations must tolerate calls from more than one goroutine.
type Driver interface {
	// Open initializes the hardware.
	Open(ctx context.Context) error
	// ConfigureChannel sets the pulse width range that angles 0-180 map to.
	ConfigureChannel(ctx context.Context, channel, pulseMin, pulseMax int) error
	// WriteAngle drives a channel to an angle in degrees (0-180).
	WriteAngle(ctx context.Context, channel int, angle float64) error
	// Release stops driving a channel.
	Release(ctx context.Context, channel int) error
	// Close releases the hardware.
	Close() error
}

type pulseRange struct {
	min, max int
}

// pulse maps an angle in degrees onto the range.
func (r pulseRange) pulse(angle float64) float64 {
	angle = max(0, min(180, angle))
	return float64(r.min) + angle/180*float64(r.max-r.min)
}
