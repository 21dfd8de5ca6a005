package driver

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// PCA9685 registers and constants.
const (
	pca9685DefaultAddr = 0x40
	pca9685RegMode1    = 0x00
	pca9685RegMode2    = 0x01
	pca9685RegLed0     = 0x06 // LED0_ON_L; each channel uses 4 registers
	pca9685RegAllLed   = 0xFA // ALL_LED_ON_L
	pca9685RegPrescale = 0xFE

	pca9685Mode1Restart = 0x80
	pca9685Mode1AI      = 0x20 // register auto-increment
	pca9685Mode1Sleep   = 0x10
	pca9685Mode2OutDrv  = 0x04 // totem-pole outputs

	pca9685FullOff = 0x10 // bit 4 of LEDn_OFF_H

	pca9685Oscillator = 25_000_000
	pca9685Steps      = 4096
	pca9685Channels   = 16

	// DefaultServoFrequency is the PWM frequency hobby servos expect.
	DefaultServoFrequency = 50
)

// i2cConn is a connection to one device on an I2C bus.
type i2cConn interface {
	Write(b []byte) (int, error)
	Close() error
}

// PCA9685Config holds configuration for a PCA9685 board.
type PCA9685Config struct {
	Bus       int // /dev/i2c-N
	Address   uint16
	Frequency int // PWM frequency in Hz
}

var _ Driver = &PCA9685{}

// PCA9685 drives hobby servos from a PCA9685 16-channel PWM board on a
// Linux I2C bus.
type PCA9685 struct {
	cfg  PCA9685Config
	dial func(bus int, addr uint16) (i2cConn, error)

	mu     sync.Mutex
	conn   i2cConn
	ranges map[int]pulseRange
}

// NewPCA9685 creates a PCA9685 driver. The bus is not touched until Open.
func NewPCA9685(cfg PCA9685Config) *PCA9685 {
	if cfg.Address == 0 {
		cfg.Address = pca9685DefaultAddr
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultServoFrequency
	}
	return &PCA9685{
		cfg:    cfg,
		dial:   openI2C,
		ranges: make(map[int]pulseRange),
	}
}

// Open connects to the board and programs the PWM frequency.
func (p *PCA9685) Open(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.dial(p.cfg.Bus, p.cfg.Address)
	if err != nil {
		return fmt.Errorf("open i2c-%d addr 0x%02x: %w", p.cfg.Bus, p.cfg.Address, err)
	}
	p.conn = conn

	if err := p.initLocked(); err != nil {
		_ = conn.Close()
		p.conn = nil
		return fmt.Errorf("init pca9685: %w", err)
	}
	return nil
}

func (p *PCA9685) initLocked() error {
	// Turn every output off before changing the frequency.
	if err := p.writeLocked(pca9685RegAllLed, 0, 0, 0, pca9685FullOff); err != nil {
		return err
	}
	if err := p.writeLocked(pca9685RegMode2, pca9685Mode2OutDrv); err != nil {
		return err
	}
	// The prescaler can only be written while the oscillator sleeps.
	if err := p.writeLocked(pca9685RegMode1, pca9685Mode1Sleep); err != nil {
		return err
	}
	if err := p.writeLocked(pca9685RegPrescale, prescale(p.cfg.Frequency)); err != nil {
		return err
	}
	if err := p.writeLocked(pca9685RegMode1, pca9685Mode1AI); err != nil {
		return err
	}
	time.Sleep(500 * time.Microsecond) // oscillator start-up
	return p.writeLocked(pca9685RegMode1, pca9685Mode1AI|pca9685Mode1Restart)
}

// prescale returns the PRE_SCALE value for a PWM frequency.
func prescale(freq int) byte {
	v := math.Round(float64(pca9685Oscillator)/(pca9685Steps*float64(freq))) - 1
	return byte(max(3, min(255, v)))
}

func (p *PCA9685) ConfigureChannel(_ context.Context, channel, pulseMin, pulseMax int) error {
	if channel < 0 || channel >= pca9685Channels {
		return fmt.Errorf("channel %d: %w", channel, ErrUnknownChannel)
	}
	if pulseMin >= pulseMax {
		return fmt.Errorf("channel %d: invalid pulse range [%d, %d]", channel, pulseMin, pulseMax)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges[channel] = pulseRange{min: pulseMin, max: pulseMax}
	return nil
}

func (p *PCA9685) WriteAngle(_ context.Context, channel int, angle float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.ranges[channel]
	if !ok {
		return fmt.Errorf("channel %d: %w", channel, ErrUnknownChannel)
	}
	off := p.ticks(r.pulse(angle))
	return p.writeLocked(ledRegister(channel), 0, 0, byte(off), byte(off>>8))
}

// Release turns the channel output fully off so the servo stops holding.
func (p *PCA9685) Release(_ context.Context, channel int) error {
	if channel < 0 || channel >= pca9685Channels {
		return fmt.Errorf("channel %d: %w", channel, ErrUnknownChannel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(ledRegister(channel), 0, 0, 0, pca9685FullOff)
}

func (p *PCA9685) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// ticks converts a pulse width in microseconds to a 12-bit OFF count.
func (p *PCA9685) ticks(pulseUs float64) uint16 {
	periodUs := 1e6 / float64(p.cfg.Frequency)
	t := math.Round(pulseUs / periodUs * pca9685Steps)
	return uint16(max(0, min(pca9685Steps-1, t)))
}

func ledRegister(channel int) byte {
	return byte(pca9685RegLed0 + 4*channel)
}

func (p *PCA9685) writeLocked(reg byte, data ...byte) error {
	if p.conn == nil {
		return fmt.Errorf("pca9685: not connected")
	}
	buf := append([]byte{reg}, data...)
	if _, err := p.conn.Write(buf); err != nil {
		return fmt.Errorf("pca9685: write reg 0x%02x: %w", reg, err)
	}
	return nil
}
