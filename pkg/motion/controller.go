// Package motion runs the servo control loop of the hand.
package motion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/ruka/pkg/driver"
	"github.com/gwillem/ruka/pkg/hand"
)

const (
	MinSmoothing = 0.05
	MaxSmoothing = 0.5

	// Threshold below which a channel is considered at its target.
	settleThreshold = 1.0

	stopTimeout   = time.Second
	statsInterval = 5 * time.Second
)

// ChannelState is the reported state of a single servo channel.
type ChannelState struct {
	Channel      int     `json:"channel"`
	JointName    string  `json:"joint_name"`
	TargetPulse  int     `json:"target_pulse"`
	CurrentPulse int     `json:"current_pulse"`
	Normalized   float64 `json:"normalized"`
	Velocity     float64 `json:"velocity"`
}

// servoState is the runtime state of one channel, owned by the control loop.
type servoState struct {
	target     int       // last commanded pulse
	current    float64   // smoothed pulse
	velocity   float64   // pulses per second
	lastUpdate time.Time // monotonic
}

// Config holds configuration for the controller.
type Config struct {
	// Calibration to drive with. If nil, Connect loads CalibrationPath.
	Calibration     *hand.CalibrationSet
	CalibrationPath string

	// Zero values take the control params of the calibration.
	UpdateRateHz    float64
	SmoothingFactor float64

	QueueSize int
	Logger    logrus.FieldLogger
}

// Controller smooths queued position commands into servo writes at a
// fixed rate.
type Controller struct {
	drv   driver.Driver
	cfg   Config
	log   logrus.FieldLogger
	queue *Queue
	now   func() time.Time

	smoothing atomic.Uint64 // math.Float64bits

	// mu guards the calibration and channel state for a whole tick, so a
	// snapshot always sees a completed tick.
	mu       sync.Mutex
	cal      *hand.CalibrationSet
	states   map[int]*servoState
	channels []int // sorted keys of states
	rate     float64

	activeMu sync.RWMutex
	active   []int // every channel ever configured

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewController creates a controller writing through drv.
func NewController(drv driver.Driver, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	c := &Controller{
		drv:    drv,
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "motion"),
		queue:  NewQueue(cfg.QueueSize),
		now:    time.Now,
		states: make(map[int]*servoState),
		rate:   hand.DefaultUpdateRateHz,
	}
	c.SetSmoothing(hand.DefaultSmoothingFactor)
	return c
}

// Connect loads the calibration, initializes the driver, configures every
// calibrated channel and seeds its state at the open (taut) position, or
// the middle of the pulse range if uncalibrated.
func (c *Controller) Connect(ctx context.Context) error {
	cal := c.cfg.Calibration
	if cal == nil {
		var err error
		cal, err = hand.LoadCalibration(c.cfg.CalibrationPath)
		if err != nil {
			return fmt.Errorf("load calibration: %w", err)
		}
	}

	if err := c.drv.Open(ctx); err != nil {
		return fmt.Errorf("open driver: %w", err)
	}

	channels := cal.Channels()
	for _, ch := range channels {
		sc := cal.Servos[ch]
		if err := c.drv.ConfigureChannel(ctx, ch, sc.PulseMin, sc.PulseMax); err != nil {
			if cerr := c.drv.Close(); cerr != nil {
				c.log.WithError(cerr).Warn("failed to close driver")
			}
			return fmt.Errorf("configure channel %d: %w", ch, err)
		}
	}

	rate := firstPositive(c.cfg.UpdateRateHz, cal.ControlParams.UpdateRateHz, hand.DefaultUpdateRateHz)
	c.SetSmoothing(firstPositive(c.cfg.SmoothingFactor, cal.ControlParams.SmoothingFactor, hand.DefaultSmoothingFactor))

	now := c.now()
	states := make(map[int]*servoState, len(channels))
	for _, ch := range channels {
		sc := cal.Servos[ch]
		initial := (sc.PulseMin + sc.PulseMax) / 2
		if p, ok := sc.Points.(hand.Calibrated); ok {
			initial = p.Taut
		}
		states[ch] = &servoState{
			target:     initial,
			current:    float64(initial),
			lastUpdate: now,
		}
	}

	c.mu.Lock()
	c.cal = cal
	c.states = states
	c.channels = channels
	c.rate = rate
	c.mu.Unlock()

	c.activeMu.Lock()
	c.active = mergeChannels(c.active, channels)
	c.activeMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"channels":  len(channels),
		"rate":      rate,
		"smoothing": c.Smoothing(),
	}).Info("servo controller connected")
	return nil
}

// Start runs the control loop in the background. It returns a channel that
// is closed when the loop exits. Calling Start while the loop runs returns
// the channel of the running loop.
func (c *Controller) Start(ctx context.Context) <-chan struct{} {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.runningLocked() {
		return c.done
	}

	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx, c.stopCh, c.done)

	c.log.WithField("rate", c.Rate()).Info("servo update loop started")
	return c.done
}

// Stop ends the control loop, waiting up to a second for it to exit, and
// then releases every channel that was ever active, whether or not the
// loop exited in time.
func (c *Controller) Stop() {
	c.runMu.Lock()
	stopCh, done := c.stopCh, c.done
	if stopCh != nil {
		close(stopCh)
		c.stopCh = nil
	}
	c.runMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			c.log.Warn("servo update loop did not exit in time")
		}
	}

	ctx := context.Background()
	for _, ch := range c.ActiveChannels() {
		if err := c.drv.Release(ctx, ch); err != nil {
			c.log.WithError(err).WithField("channel", ch).Error("failed to release channel")
		}
	}
	c.log.Info("servo controller stopped")
}

// Running reports whether the control loop is running.
func (c *Controller) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.runningLocked()
}

func (c *Controller) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Controller) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	period := time.Duration(float64(time.Second) / c.Rate())
	timer := time.NewTimer(period)
	defer timer.Stop()

	ticks := 0
	statsStart := c.now()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := c.now()
		c.tick(ctx, start)

		ticks++
		if since := c.now().Sub(statsStart); since > statsInterval {
			c.log.WithField("rate", float64(ticks)/since.Seconds()).Debug("servo loop rate")
			ticks = 0
			statsStart = c.now()
		}

		delay := nextDelay(start, c.now(), period)
		if delay == 0 {
			// Overran the period: start the next tick now, without making
			// up for lost ticks.
			continue
		}
		timer.Reset(delay)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// nextDelay returns how long to sleep until the next tick boundary after
// a tick that started at start. It is zero when the tick overran.
func nextDelay(start, now time.Time, period time.Duration) time.Duration {
	elapsed := now.Sub(start)
	if elapsed >= period {
		return 0
	}
	return period - elapsed
}

// tick applies queued commands and moves every channel one step toward
// its target.
func (c *Controller) tick(ctx context.Context, now time.Time) {
	cmds := c.queue.Drain()
	smoothing := c.Smoothing()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cmd := range cmds {
		c.applyLocked(ctx, cmd)
	}
	for _, ch := range c.channels {
		c.stepLocked(ctx, ch, now, smoothing)
	}
}

func (c *Controller) applyLocked(ctx context.Context, cmd Command) {
	switch cmd := cmd.(type) {
	case SetNormalized:
		for ch, n := range cmd.Positions {
			st, ok := c.states[ch]
			if !ok {
				c.log.WithField("channel", ch).Debug("ignoring position for unknown channel")
				continue
			}
			if math.IsNaN(n) || math.IsInf(n, 0) {
				c.log.WithFields(logrus.Fields{"channel": ch, "normalized": n}).Warn("ignoring invalid normalized position")
				continue
			}
			st.target = c.cal.Servos[ch].NormalizedToPulse(n)
		}
	case SetPulse:
		for ch, pulse := range cmd.Pulses {
			st, ok := c.states[ch]
			if !ok {
				c.log.WithField("channel", ch).Debug("ignoring pulse for unknown channel")
				continue
			}
			st.target = pulse
		}
	case Release:
		for _, ch := range cmd.Channels {
			if _, ok := c.states[ch]; !ok {
				continue
			}
			if err := c.drv.Release(ctx, ch); err != nil {
				c.log.WithError(err).WithField("channel", ch).Error("failed to release channel")
			}
		}
	case nil:
		c.log.Warn("ignoring empty command")
	}
}

func (c *Controller) stepLocked(ctx context.Context, ch int, now time.Time, smoothing float64) {
	st := c.states[ch]
	sc := c.cal.Servos[ch]

	dt := now.Sub(st.lastUpdate).Seconds()
	st.lastUpdate = now

	diff := float64(st.target) - st.current
	if math.Abs(diff) < settleThreshold {
		// Settled: no write, so an idle hand does not flood the bus.
		st.current = float64(st.target)
		st.velocity = 0
		return
	}

	maxVelocity := sc.MaxVelocity()
	velocity := clamp(diff*smoothing*c.rate, -maxVelocity, maxVelocity)

	st.current += velocity * dt
	st.velocity = velocity

	lo, hi := sc.OperationalBounds()
	st.current = clamp(st.current, float64(lo), float64(hi))

	if err := c.drv.WriteAngle(ctx, ch, sc.PulseToAngle(st.current)); err != nil {
		c.log.WithError(err).WithField("channel", ch).Error("failed to write servo")
	}
}

// Snapshot returns the current state of every channel.
func (c *Controller) Snapshot() map[int]ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]ChannelState, len(c.states))
	for ch, st := range c.states {
		sc := c.cal.Servos[ch]
		out[ch] = ChannelState{
			Channel:      ch,
			JointName:    sc.JointName,
			TargetPulse:  st.target,
			CurrentPulse: int(st.current),
			Normalized:   sc.PulseToNormalized(st.current),
			Velocity:     st.velocity,
		}
	}
	return out
}

// Calibration returns a copy of the calibration in use, or nil before
// Connect.
func (c *Controller) Calibration() *hand.CalibrationSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cal == nil {
		return nil
	}
	cp := *c.cal
	cp.Servos = make(map[int]hand.ServoCalibration, len(c.cal.Servos))
	for ch, sc := range c.cal.Servos {
		cp.Servos[ch] = sc
	}
	return &cp
}

// SetFingerPositions queues normalized positions (0=open, 1=curled) by
// finger name. Every channel of a finger gets the finger's position.
func (c *Controller) SetFingerPositions(positions map[hand.FingerName]float64) {
	chPositions := make(map[int]float64)
	for name, n := range positions {
		chs := hand.FingerChannels(name)
		if len(chs) == 0 {
			c.log.WithField("finger", name).Debug("ignoring unknown finger")
			continue
		}
		for _, ch := range chs {
			chPositions[ch] = n
		}
	}
	c.queue.Push(SetNormalized{Positions: chPositions})
}

// SetChannelPositions queues normalized positions by channel.
func (c *Controller) SetChannelPositions(positions map[int]float64) {
	cp := make(map[int]float64, len(positions))
	for ch, n := range positions {
		cp[ch] = n
	}
	c.queue.Push(SetNormalized{Positions: cp})
}

// SetRawPulses queues raw pulse widths by channel, bypassing calibration.
func (c *Controller) SetRawPulses(pulses map[int]int) {
	cp := make(map[int]int, len(pulses))
	for ch, p := range pulses {
		cp[ch] = p
	}
	c.queue.Push(SetPulse{Pulses: cp})
}

// ReleaseAll queues a release of every active channel.
func (c *Controller) ReleaseAll() {
	c.queue.Push(Release{Channels: c.ActiveChannels()})
}

// ReleaseChannel queues a release of one channel.
func (c *Controller) ReleaseChannel(channel int) {
	c.queue.Push(Release{Channels: []int{channel}})
}

// SetSmoothing sets the smoothing factor, clamped to [0.05, 0.5]. Lower is
// smoother. It applies from the next tick.
func (c *Controller) SetSmoothing(factor float64) {
	if math.IsNaN(factor) {
		return
	}
	c.smoothing.Store(math.Float64bits(clamp(factor, MinSmoothing, MaxSmoothing)))
}

// Smoothing returns the smoothing factor.
func (c *Controller) Smoothing() float64 {
	return math.Float64frombits(c.smoothing.Load())
}

// Rate returns the control loop frequency in Hz.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// ActiveChannels returns every channel that was configured, in order.
func (c *Controller) ActiveChannels() []int {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	out := make([]int, len(c.active))
	copy(out, c.active)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func mergeChannels(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, ch := range append(append([]int(nil), a...), b...) {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	sort.Ints(out)
	return out
}
