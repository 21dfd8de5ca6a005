package driver

import (
	"context"
	"sync"
)

var _ Driver = &Sim{}

// Sim is a driver that performs no I/O. It keeps the last value written
// to each channel so the hand can be inspected without hardware.
type Sim struct {
	mu         sync.Mutex
	ranges     map[int]pulseRange
	angles     map[int]float64
	writes     map[int]int
	released   map[int]int
	writeErrs  map[int]error
	configErrs map[int]error
	openErr    error
	opened     bool
	closed     bool
	writeCount int
}

// NewSim creates a simulated driver.
func NewSim() *Sim {
	return &Sim{
		ranges:     make(map[int]pulseRange),
		angles:     make(map[int]float64),
		writes:     make(map[int]int),
		released:   make(map[int]int),
		writeErrs:  make(map[int]error),
		configErrs: make(map[int]error),
	}
}

// FailOpen makes Open return err.
func (s *Sim) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailWrites makes every write to channel return err. A nil err clears it.
func (s *Sim) FailWrites(channel int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.writeErrs, channel)
		return
	}
	s.writeErrs[channel] = err
}

// FailConfigure makes ConfigureChannel return err for channel.
func (s *Sim) FailConfigure(channel int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configErrs[channel] = err
}

func (s *Sim) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	s.closed = false
	return nil
}

func (s *Sim) ConfigureChannel(_ context.Context, channel, pulseMin, pulseMax int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configErrs[channel]; err != nil {
		return err
	}
	s.ranges[channel] = pulseRange{min: pulseMin, max: pulseMax}
	return nil
}

func (s *Sim) WriteAngle(_ context.Context, channel int, angle float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ranges[channel]; !ok {
		return ErrUnknownChannel
	}
	if err := s.writeErrs[channel]; err != nil {
		return err
	}
	s.angles[channel] = angle
	s.writes[channel]++
	s.writeCount++
	return nil
}

func (s *Sim) Release(_ context.Context, channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[channel]++
	delete(s.angles, channel)
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Angle returns the last angle written to a channel since it was last
// released.
func (s *Sim) Angle(channel int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.angles[channel]
	return a, ok
}

// Pulse returns the pulse width the last angle on a channel corresponds to.
func (s *Sim) Pulse(channel int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.angles[channel]
	if !ok {
		return 0, false
	}
	return s.ranges[channel].pulse(a), true
}

// Writes returns how many angles were written to a channel.
func (s *Sim) Writes(channel int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[channel]
}

// TotalWrites returns how many angles were written to all channels.
func (s *Sim) TotalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount
}

// Releases returns how many times a channel was released.
func (s *Sim) Releases(channel int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[channel]
}

// Configured returns the pulse range of a channel.
func (s *Sim) Configured(channel int) (pulseMin, pulseMax int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranges[channel]
	return r.min, r.max, ok
}

// Opened reports whether Open succeeded and Close was not called since.
func (s *Sim) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}
