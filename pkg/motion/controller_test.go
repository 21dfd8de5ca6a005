package motion

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/ruka/pkg/driver"
	"github.com/gwillem/ruka/pkg/hand"
)

const (
	chIndex = 6
	chThumb = 8
	chPinky = 0
)

func testCalibration() *hand.CalibrationSet {
	cs := hand.NewCalibrationSet()
	cs.SetServo(hand.ServoCalibration{
		Channel:               chIndex,
		JointName:             "index_mcp",
		PulseMin:              680,
		PulseMax:              2150,
		Points:                hand.Calibrated{Slack: 750, Taut: 850, Curled: 1800},
		CurlDirectionPositive: true,
	})
	cs.SetServo(hand.ServoCalibration{
		Channel:               chThumb,
		JointName:             "thumb_cmc",
		PulseMin:              700,
		PulseMax:              2200,
		Points:                hand.Calibrated{Slack: 2100, Taut: 2000, Curled: 1200},
		CurlDirectionPositive: false,
	})
	cs.SetServo(hand.ServoCalibration{
		Channel:               chPinky,
		JointName:             "pinky_mcp",
		PulseMin:              500,
		PulseMax:              2500,
		Points:                hand.Uncalibrated{},
		CurlDirectionPositive: true,
	})
	return cs
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// newTestController returns a connected controller on a simulated driver
// with a manual clock.
func newTestController(t *testing.T) (*Controller, *driver.Sim, *fakeClock) {
	t.Helper()
	sim := driver.NewSim()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := NewController(sim, Config{Calibration: testCalibration()})
	c.now = clk.Now
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, sim, clk
}

// step runs n ticks at the nominal period.
func step(c *Controller, clk *fakeClock, n int) {
	period := time.Duration(float64(time.Second) / c.Rate())
	for i := 0; i < n; i++ {
		c.tick(context.Background(), clk.Advance(period))
	}
}

func TestController_Connect(t *testing.T) {
	c, sim, _ := newTestController(t)

	if !sim.Opened() {
		t.Error("driver not opened")
	}
	if lo, hi, ok := sim.Configured(chIndex); !ok || lo != 680 || hi != 2150 {
		t.Errorf("channel %d configured as [%d, %d] (%v)", chIndex, lo, hi, ok)
	}

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d channels, want 3", len(snap))
	}
	tests := []struct {
		channel int
		pulse   int
	}{
		{chIndex, 850},  // taut
		{chThumb, 2000}, // taut
		{chPinky, 1500}, // middle of an uncalibrated range
	}
	for _, tt := range tests {
		st := snap[tt.channel]
		if st.CurrentPulse != tt.pulse || st.TargetPulse != tt.pulse {
			t.Errorf("channel %d seeded at current=%d target=%d, want %d",
				tt.channel, st.CurrentPulse, st.TargetPulse, tt.pulse)
		}
		if st.Velocity != 0 {
			t.Errorf("channel %d seeded with velocity %v", tt.channel, st.Velocity)
		}
	}
	if snap[chIndex].JointName != "index_mcp" || snap[chIndex].Normalized != 0 {
		t.Errorf("unexpected index state: %+v", snap[chIndex])
	}

	if got := c.ActiveChannels(); len(got) != 3 || got[0] != chPinky || got[2] != chThumb {
		t.Errorf("ActiveChannels() = %v", got)
	}
	if c.Rate() != hand.DefaultUpdateRateHz {
		t.Errorf("Rate() = %v, want %v", c.Rate(), hand.DefaultUpdateRateHz)
	}
}

func TestController_ConnectErrors(t *testing.T) {
	sim := driver.NewSim()
	sim.FailOpen(errors.New("no bus"))
	c := NewController(sim, Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error when the driver fails to open")
	}

	sim = driver.NewSim()
	sim.FailConfigure(chThumb, errors.New("servo gone"))
	c = NewController(sim, Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error when a channel fails to configure")
	}
	if sim.Opened() {
		t.Error("driver left open after a failed Connect")
	}

	path := filepath.Join(t.TempDir(), "calibration.json")
	if err := os.WriteFile(path, []byte("{ nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	c = NewController(driver.NewSim(), Config{CalibrationPath: path})
	if err := c.Connect(context.Background()); !errors.Is(err, hand.ErrInvalidCalibration) {
		t.Errorf("Connect with a corrupt calibration: %v", err)
	}
}

func TestController_ConnectLoadsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	c := NewController(driver.NewSim(), Config{CalibrationPath: path, UpdateRateHz: 100})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := len(c.Snapshot()); got != hand.NumChannels {
		t.Errorf("snapshot has %d channels, want %d", got, hand.NumChannels)
	}
	if c.Rate() != 100 {
		t.Errorf("Rate() = %v, want 100", c.Rate())
	}
	if cal := c.Calibration(); cal == nil || len(cal.Servos) != hand.NumChannels {
		t.Errorf("Calibration() = %v", cal)
	}
}

func TestController_ConvergesToTarget(t *testing.T) {
	c, sim, clk := newTestController(t)

	c.SetChannelPositions(map[int]float64{chIndex: 1})
	step(c, clk, 1)

	st := c.Snapshot()[chIndex]
	if st.TargetPulse != 1800 {
		t.Fatalf("target = %d, want 1800", st.TargetPulse)
	}
	// 950us away: the step is limited to 300 deg/s of the 1470us range.
	if st.Velocity != 2450 {
		t.Errorf("velocity = %v, want 2450", st.Velocity)
	}
	if st.CurrentPulse < 898 || st.CurrentPulse > 899 {
		t.Errorf("current after one tick = %d, want ~899", st.CurrentPulse)
	}

	step(c, clk, 99)
	st = c.Snapshot()[chIndex]
	if st.CurrentPulse != 1800 || st.Velocity != 0 {
		t.Errorf("after 2s: current=%d velocity=%v, want 1800 at rest", st.CurrentPulse, st.Velocity)
	}
	if math.Abs(st.Normalized-1) > 1e-9 {
		t.Errorf("normalized = %v, want 1", st.Normalized)
	}
	if p, ok := sim.Pulse(chIndex); !ok || math.Abs(p-1800) > 1 {
		t.Errorf("last hardware pulse = %v (%v), want ~1800", p, ok)
	}
}

func TestController_ProgressIsMonotonic(t *testing.T) {
	c, _, clk := newTestController(t)
	c.SetChannelPositions(map[int]float64{chIndex: 1})

	prev := 850
	for i := 0; i < 100; i++ {
		step(c, clk, 1)
		cur := c.Snapshot()[chIndex].CurrentPulse
		if cur < prev {
			t.Fatalf("tick %d: moved backwards from %d to %d", i, prev, cur)
		}
		prev = cur
	}
}

func TestController_ClampsToOperationalBounds(t *testing.T) {
	c, sim, clk := newTestController(t)

	c.SetRawPulses(map[int]int{chIndex: 2500})
	for i := 0; i < 150; i++ {
		step(c, clk, 1)
		st := c.Snapshot()[chIndex]
		if st.CurrentPulse > 1800 {
			t.Fatalf("tick %d: current %d above curled bound", i, st.CurrentPulse)
		}
		if p, ok := sim.Pulse(chIndex); ok && p > 1800.001 {
			t.Fatalf("tick %d: wrote pulse %v above curled bound", i, p)
		}
	}
	st := c.Snapshot()[chIndex]
	if st.TargetPulse != 2500 || st.CurrentPulse != 1800 {
		t.Errorf("target=%d current=%d, want target 2500 held at 1800", st.TargetPulse, st.CurrentPulse)
	}

	c.SetRawPulses(map[int]int{chIndex: 100})
	step(c, clk, 150)
	if got := c.Snapshot()[chIndex].CurrentPulse; got != 850 {
		t.Errorf("current = %d, want held at taut bound 850", got)
	}
}

func TestController_ThumbCurl(t *testing.T) {
	c, _, clk := newTestController(t)

	// Channels 9 and 10 are not calibrated in this set and are ignored.
	c.SetFingerPositions(map[hand.FingerName]float64{hand.Thumb: 1, "tail": 1})
	step(c, clk, 150)

	st := c.Snapshot()[chThumb]
	if st.TargetPulse != 1200 || st.CurrentPulse != 1200 {
		t.Errorf("thumb target=%d current=%d, want 1200", st.TargetPulse, st.CurrentPulse)
	}
	if math.Abs(st.Normalized-1) > 1e-9 {
		t.Errorf("thumb normalized = %v, want 1", st.Normalized)
	}
	if len(c.Snapshot()) != 3 {
		t.Error("unknown channels were added to the state")
	}
}

func TestController_RawPulse(t *testing.T) {
	c, _, clk := newTestController(t)

	c.SetRawPulses(map[int]int{chThumb: 1500, 42: 1500})
	step(c, clk, 150)

	st := c.Snapshot()[chThumb]
	if st.TargetPulse != 1500 || st.CurrentPulse != 1500 {
		t.Errorf("target=%d current=%d, want 1500", st.TargetPulse, st.CurrentPulse)
	}
	if _, ok := c.Snapshot()[42]; ok {
		t.Error("unknown channel appeared in snapshot")
	}
}

func TestController_LastCommandWins(t *testing.T) {
	c, _, clk := newTestController(t)

	c.SetChannelPositions(map[int]float64{chIndex: 1})
	c.SetChannelPositions(map[int]float64{chIndex: 0.5})
	step(c, clk, 1)

	if got := c.Snapshot()[chIndex].TargetPulse; got != 1325 {
		t.Errorf("target = %d, want 1325", got)
	}
}

func TestController_IgnoresInvalidPositions(t *testing.T) {
	c, _, clk := newTestController(t)

	c.SetChannelPositions(map[int]float64{chIndex: math.NaN(), chThumb: math.Inf(1)})
	c.queue.Push(nil)
	step(c, clk, 1)

	snap := c.Snapshot()
	if snap[chIndex].TargetPulse != 850 || snap[chThumb].TargetPulse != 2000 {
		t.Errorf("invalid positions changed targets: %+v", snap)
	}
}

func TestController_NoWritesWhenSettled(t *testing.T) {
	c, sim, clk := newTestController(t)

	step(c, clk, 20)
	if n := sim.TotalWrites(); n != 0 {
		t.Errorf("idle controller wrote %d times", n)
	}

	c.SetChannelPositions(map[int]float64{chIndex: 0.1})
	step(c, clk, 100)
	settled := sim.TotalWrites()
	if settled == 0 {
		t.Fatal("no writes while moving")
	}
	step(c, clk, 20)
	if n := sim.TotalWrites(); n != settled {
		t.Errorf("settled controller kept writing: %d -> %d", settled, n)
	}
}

func TestController_WriteFailureIsolation(t *testing.T) {
	c, sim, clk := newTestController(t)
	sim.FailWrites(chIndex, errors.New("bus error"))

	c.SetChannelPositions(map[int]float64{chIndex: 1, chThumb: 1})
	step(c, clk, 5)

	if sim.Writes(chIndex) != 0 {
		t.Errorf("failing channel recorded %d writes", sim.Writes(chIndex))
	}
	if sim.Writes(chThumb) != 5 {
		t.Errorf("healthy channel got %d writes, want 5", sim.Writes(chThumb))
	}
	if got := c.Snapshot()[chIndex].CurrentPulse; got <= 850 {
		t.Errorf("failing channel state did not advance: %d", got)
	}
}

func TestController_Release(t *testing.T) {
	c, sim, clk := newTestController(t)

	c.ReleaseChannel(chIndex)
	c.ReleaseChannel(99)
	step(c, clk, 1)
	if sim.Releases(chIndex) != 1 {
		t.Errorf("channel %d released %d times, want 1", chIndex, sim.Releases(chIndex))
	}
	if sim.Releases(99) != 0 {
		t.Error("unknown channel was released")
	}

	c.ReleaseAll()
	step(c, clk, 1)
	for _, ch := range []int{chPinky, chIndex, chThumb} {
		if sim.Releases(ch) == 0 {
			t.Errorf("channel %d not released by ReleaseAll", ch)
		}
	}
}

func TestController_SetSmoothing(t *testing.T) {
	c := NewController(driver.NewSim(), Config{})
	tests := []struct {
		in, want float64
	}{
		{0.2, 0.2},
		{0.01, MinSmoothing},
		{0.9, MaxSmoothing},
		{-1, MinSmoothing},
	}
	for _, tt := range tests {
		c.SetSmoothing(tt.in)
		if got := c.Smoothing(); got != tt.want {
			t.Errorf("SetSmoothing(%v): Smoothing() = %v, want %v", tt.in, got, tt.want)
		}
	}

	c.SetSmoothing(math.NaN())
	if got := c.Smoothing(); got != MinSmoothing {
		t.Errorf("NaN changed smoothing to %v", got)
	}
}

func TestNextDelay(t *testing.T) {
	start := time.Unix(0, 0)
	period := 20 * time.Millisecond
	tests := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 20 * time.Millisecond},
		{5 * time.Millisecond, 15 * time.Millisecond},
		{20 * time.Millisecond, 0},
		{75 * time.Millisecond, 0}, // overrun, no catch-up
	}
	for _, tt := range tests {
		if got := nextDelay(start, start.Add(tt.elapsed), period); got != tt.want {
			t.Errorf("nextDelay(elapsed=%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestController_StartStop(t *testing.T) {
	sim := driver.NewSim()
	c := NewController(sim, Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := c.Start(context.Background())
	if again := c.Start(context.Background()); again != done {
		t.Error("second Start launched another loop")
	}
	if !c.Running() {
		t.Fatal("controller not running after Start")
	}

	c.SetChannelPositions(map[int]float64{chIndex: 1})
	deadline := time.Now().Add(3 * time.Second)
	for c.Snapshot()[chIndex].CurrentPulse != 1800 {
		if time.Now().After(deadline) {
			t.Fatalf("did not converge, at %d", c.Snapshot()[chIndex].CurrentPulse)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Stop()
	select {
	case <-done:
	default:
		t.Fatal("loop still running after Stop")
	}
	if c.Running() {
		t.Error("Running() after Stop")
	}
	for _, ch := range []int{chPinky, chIndex, chThumb} {
		if sim.Releases(ch) == 0 {
			t.Errorf("channel %d not released on Stop", ch)
		}
	}

	// Stopping twice is harmless.
	c.Stop()
}

func TestController_StopWithoutStart(t *testing.T) {
	c, sim, _ := newTestController(t)
	c.Stop()
	if sim.Releases(chIndex) != 1 {
		t.Errorf("channel released %d times, want 1", sim.Releases(chIndex))
	}
}

// stuckDriver blocks every write until unblock is closed.
type stuckDriver struct {
	*driver.Sim
	entered chan struct{}
	unblock chan struct{}
	once    sync.Once
}

func (d *stuckDriver) WriteAngle(ctx context.Context, channel int, angle float64) error {
	d.once.Do(func() { close(d.entered) })
	<-d.unblock
	return d.Sim.WriteAngle(ctx, channel, angle)
}

func TestController_StopReleasesWhenLoopIsStuck(t *testing.T) {
	drv := &stuckDriver{
		Sim:     driver.NewSim(),
		entered: make(chan struct{}),
		unblock: make(chan struct{}),
	}
	defer close(drv.unblock)

	c := NewController(drv, Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Start(context.Background())
	c.SetChannelPositions(map[int]float64{chIndex: 1})

	select {
	case <-drv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never wrote to the driver")
	}

	start := time.Now()
	c.Stop()
	elapsed := time.Since(start)

	if elapsed < stopTimeout || elapsed > 1500*time.Millisecond {
		t.Errorf("Stop took %v, want about %v", elapsed, stopTimeout)
	}
	for _, ch := range []int{chPinky, chIndex, chThumb} {
		if drv.Releases(ch) != 1 {
			t.Errorf("channel %d released %d times, want 1", ch, drv.Releases(ch))
		}
	}
}

func TestController_ContextCancel(t *testing.T) {
	c := NewController(driver.NewSim(), Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
}

func TestController_ConcurrentAccess(t *testing.T) {
	c := NewController(driver.NewSim(), Config{Calibration: testCalibration()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	defer c.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.SetFingerPositions(map[hand.FingerName]float64{hand.Index: float64(i%10) / 10})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				for ch, st := range c.Snapshot() {
					if st.Channel != ch {
						t.Errorf("state for %d reports channel %d", ch, st.Channel)
						return
					}
					if ch == chIndex && (st.CurrentPulse < 850 || st.CurrentPulse > 1800) {
						t.Errorf("index current %d out of bounds", st.CurrentPulse)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
