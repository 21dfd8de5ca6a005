package driver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/sirupsen/logrus"
)

const (
	// STS servos resolve one turn into 4096 steps; the 180 degree command
	// range is centered on the middle of the turn.
	feetechStepsPerTurn = 4096
	feetechCenter       = 2048
)

// FeetechConfig holds the serial bus settings for feetech bus servos.
type FeetechConfig struct {
	Port     string
	BaudRate int
}

var _ Driver = &Feetech{}

// Feetech drives feetech STS bus servos. Channel n is the servo with bus
// ID n+1. Bus servos take positions, not pulse widths, so the configured
// pulse range only validates the channel. Channels whose servo was not
// found on the bus are skipped: they accept writes and releases without
// moving anything.
type Feetech struct {
	cfg FeetechConfig

	mu     sync.Mutex
	bus    *feetech.Bus
	servos map[int]*feetech.Servo // by channel
	found   map[int]feetech.FoundServo
	missing map[int]bool
}

// NewFeetech creates a feetech driver. The port is not opened until Open.
func NewFeetech(cfg FeetechConfig) *Feetech {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 1_000_000
	}
	return &Feetech{
		cfg:    cfg,
		servos: make(map[int]*feetech.Servo),
		found:   make(map[int]feetech.FoundServo),
		missing: make(map[int]bool),
	}
}

// Open opens the serial bus and scans it for servos.
func (f *Feetech) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     f.cfg.Port,
		BaudRate: f.cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	found, err := bus.Scan(scanCtx, 1, pca9685Channels)
	if err != nil {
		bus.Close()
		return fmt.Errorf("scan bus: %w", err)
	}
	if len(found) == 0 {
		bus.Close()
		return fmt.Errorf("no servos found on %s", f.cfg.Port)
	}

	f.bus = bus
	for _, s := range found {
		f.found[s.ID-1] = s
	}
	return nil
}

// Found returns the channels of the servos found by Open, in order.
func (f *Feetech) Found() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make([]int, 0, len(f.found))
	for ch := range f.found {
		channels = append(channels, ch)
	}
	sort.Ints(channels)
	return channels
}

// Missing returns the configured channels that have no servo on the bus,
// in order.
func (f *Feetech) Missing() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make([]int, 0, len(f.missing))
	for ch := range f.missing {
		channels = append(channels, ch)
	}
	sort.Ints(channels)
	return channels
}

// ConfigureChannel enables torque on the servo behind channel. A channel
// whose servo was not found is marked missing and skipped.
func (f *Feetech) ConfigureChannel(ctx context.Context, channel, pulseMin, pulseMax int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pulseMin >= pulseMax {
		return fmt.Errorf("channel %d: invalid pulse range [%d, %d]", channel, pulseMin, pulseMax)
	}
	s, ok := f.found[channel]
	if !ok {
		f.missing[channel] = true
		logrus.WithFields(logrus.Fields{
			"channel":  channel,
			"servo_id": channel + 1,
		}).Warn("servo not found on bus, channel will not move")
		return nil
	}

	servo := feetech.NewServo(f.bus, s.ID, s.Model)
	if err := servo.Enable(ctx); err != nil {
		return fmt.Errorf("enable servo %d: %w", s.ID, err)
	}
	f.servos[channel] = servo
	return nil
}

func (f *Feetech) WriteAngle(ctx context.Context, channel int, angle float64) error {
	f.mu.Lock()
	servo, ok := f.servos[channel]
	missing := f.missing[channel]
	f.mu.Unlock()
	if missing {
		return nil
	}
	if !ok {
		return fmt.Errorf("channel %d: %w", channel, ErrUnknownChannel)
	}

	if err := servo.SetPosition(ctx, angleToPosition(angle)); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

// Release disables torque so the servo can be back-driven.
func (f *Feetech) Release(ctx context.Context, channel int) error {
	f.mu.Lock()
	servo, ok := f.servos[channel]
	missing := f.missing[channel]
	f.mu.Unlock()
	if missing {
		return nil
	}
	if !ok {
		return fmt.Errorf("channel %d: %w", channel, ErrUnknownChannel)
	}
	return servo.Disable(ctx)
}

// Close closes the bus connection.
func (f *Feetech) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bus == nil {
		return nil
	}
	err := f.bus.Close()
	f.bus = nil
	f.servos = make(map[int]*feetech.Servo)
	f.missing = make(map[int]bool)
	return err
}

// angleToPosition maps 0-180 degrees onto servo steps around the center.
func angleToPosition(angle float64) int {
	angle = max(0, min(180, angle))
	steps := (angle - 90) / 360 * feetechStepsPerTurn
	return feetechCenter + int(math.Round(steps))
}
