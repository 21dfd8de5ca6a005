package hand

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCalibrationPath is used when neither a path nor
	// RUKA_CALIBRATION_PATH is given.
	DefaultCalibrationPath = "data/calibration/mg996r_calibration.json"

	// CalibrationPathEnv overrides the default calibration path.
	CalibrationPathEnv = "RUKA_CALIBRATION_PATH"

	DefaultUpdateRateHz    = 50.0
	DefaultSmoothingFactor = 0.15

	// MaxSlewDegPerSec is the assumed maximum actuator slew. The pulse span
	// of a channel is taken to cover 180 degrees of travel.
	MaxSlewDegPerSec = 300.0

	calibrationVersion = "1.0"
)

// ErrInvalidCalibration is returned when a calibration file has content
// that cannot be used to drive the hand.
var ErrInvalidCalibration = errors.New("invalid calibration")

// OperatingPoints are the tendon reference points of a channel. It is
// either Uncalibrated or Calibrated.
type OperatingPoints interface {
	operatingPoints()
}

// Uncalibrated means the tendon points were never recorded; conversions
// fall back to the full pulse range.
type Uncalibrated struct{}

// Calibrated holds the recorded tendon points in microseconds.
type Calibrated struct {
	Slack  int // tendon loose, finger relaxed
	Taut   int // tendon just taut: normalized 0
	Curled int // finger fully curled: normalized 1
}

func (Uncalibrated) operatingPoints() {}
func (Calibrated) operatingPoints()   {}

// ServoCalibration holds calibration data for a single servo channel.
type ServoCalibration struct {
	Channel   int
	JointName string

	// Hardware pulse limits, from the range finder.
	PulseMin int
	PulseMax int

	// Tendon points, from the tendon calibrator.
	Points OperatingPoints

	// CurlDirectionPositive is true if a higher pulse means more curl.
	CurlDirectionPositive bool
}

// servoCalibrationJSON is the on-disk layout of a ServoCalibration.
type servoCalibrationJSON struct {
	Channel               int    `json:"channel"`
	JointName             string `json:"joint_name"`
	PulseMin              int    `json:"pulse_min"`
	PulseMax              int    `json:"pulse_max"`
	SlackPulse            *int   `json:"slack_pulse"`
	TautPulse             *int   `json:"taut_pulse"`
	CurledPulse           *int   `json:"curled_pulse"`
	CurlDirectionPositive *bool  `json:"curl_direction_positive,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c ServoCalibration) MarshalJSON() ([]byte, error) {
	positive := c.CurlDirectionPositive
	raw := servoCalibrationJSON{
		Channel:               c.Channel,
		JointName:             c.JointName,
		PulseMin:              c.PulseMin,
		PulseMax:              c.PulseMax,
		CurlDirectionPositive: &positive,
	}
	if p, ok := c.Points.(Calibrated); ok {
		slack, taut, curled := p.Slack, p.Taut, p.Curled
		raw.SlackPulse = &slack
		raw.TautPulse = &taut
		raw.CurledPulse = &curled
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler. A channel with only some of
// the tendon points recorded is treated as uncalibrated.
func (c *ServoCalibration) UnmarshalJSON(data []byte) error {
	var raw servoCalibrationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = ServoCalibration{
		Channel:               raw.Channel,
		JointName:             raw.JointName,
		PulseMin:              raw.PulseMin,
		PulseMax:              raw.PulseMax,
		Points:                Uncalibrated{},
		CurlDirectionPositive: true,
	}
	if raw.CurlDirectionPositive != nil {
		c.CurlDirectionPositive = *raw.CurlDirectionPositive
	}
	if raw.SlackPulse != nil && raw.TautPulse != nil && raw.CurledPulse != nil {
		c.Points = Calibrated{
			Slack:  *raw.SlackPulse,
			Taut:   *raw.TautPulse,
			Curled: *raw.CurledPulse,
		}
	}
	return nil
}

// IsCalibrated returns true if all tendon points are recorded.
func (c ServoCalibration) IsCalibrated() bool {
	_, ok := c.Points.(Calibrated)
	return ok
}

// endpoints returns the pulses at normalized 0 (open) and 1 (curled).
func (c ServoCalibration) endpoints() (open, curled int) {
	switch p := c.Points.(type) {
	case Calibrated:
		return p.Taut, p.Curled
	default:
		if c.CurlDirectionPositive {
			return c.PulseMin, c.PulseMax
		}
		return c.PulseMax, c.PulseMin
	}
}

// NormalizedToPulse converts a normalized position (0=open, 1=curled) to a
// pulse width. The input is clamped to [0, 1].
func (c ServoCalibration) NormalizedToPulse(normalized float64) int {
	if math.IsNaN(normalized) {
		normalized = 0
	}
	normalized = math.Max(0, math.Min(1, normalized))
	open, curled := c.endpoints()
	return int(float64(open) + normalized*float64(curled-open))
}

// PulseToNormalized converts a pulse width to a normalized position
// (0=open, 1=curled). The result is not clamped.
func (c ServoCalibration) PulseToNormalized(pulse float64) float64 {
	open, curled := c.endpoints()
	span := float64(curled - open)
	if span == 0 {
		return 0
	}
	return (pulse - float64(open)) / span
}

// OperationalRange returns the taut-to-curled span, or 0 if uncalibrated.
func (c ServoCalibration) OperationalRange() int {
	p, ok := c.Points.(Calibrated)
	if !ok {
		return 0
	}
	if p.Curled > p.Taut {
		return p.Curled - p.Taut
	}
	return p.Taut - p.Curled
}

// OperationalBounds returns the pulse interval the servo may be driven to.
func (c ServoCalibration) OperationalBounds() (lo, hi int) {
	switch p := c.Points.(type) {
	case Calibrated:
		return min(p.Taut, p.Curled), max(p.Taut, p.Curled)
	default:
		return c.PulseMin, c.PulseMax
	}
}

// MaxVelocity returns the velocity limit of the channel in microseconds
// per second.
func (c ServoCalibration) MaxVelocity() float64 {
	return MaxSlewDegPerSec * float64(c.PulseMax-c.PulseMin) / 180.0
}

// PulseToAngle maps a pulse width onto the 0-180 degree command range of
// the channel.
func (c ServoCalibration) PulseToAngle(pulse float64) float64 {
	span := float64(c.PulseMax - c.PulseMin)
	if span <= 0 {
		return 0
	}
	angle := (pulse - float64(c.PulseMin)) / span * 180.0
	return math.Max(0, math.Min(180, angle))
}

// Validate checks the invariants of a single channel.
func (c ServoCalibration) Validate() error {
	if c.Channel < 0 || c.Channel >= MaxChannels {
		return fmt.Errorf("channel %d out of range [0, %d)", c.Channel, MaxChannels)
	}
	if c.PulseMin < pulseLimitMin || c.PulseMax > pulseLimitMax {
		return fmt.Errorf("channel %d: pulse range [%d, %d] outside [%d, %d]",
			c.Channel, c.PulseMin, c.PulseMax, pulseLimitMin, pulseLimitMax)
	}
	if c.PulseMin >= c.PulseMax {
		return fmt.Errorf("channel %d: pulse_min (%d) must be less than pulse_max (%d)",
			c.Channel, c.PulseMin, c.PulseMax)
	}
	if p, ok := c.Points.(Calibrated); ok {
		points := []struct {
			name  string
			value int
		}{
			{"taut_pulse", p.Taut},
			{"curled_pulse", p.Curled},
		}
		for _, pt := range points {
			if pt.value < c.PulseMin || pt.value > c.PulseMax {
				return fmt.Errorf("channel %d: %s %d outside [%d, %d]",
					c.Channel, pt.name, pt.value, c.PulseMin, c.PulseMax)
			}
		}
	}
	return nil
}

// ControlParams are the motion controller settings stored with a
// calibration.
type ControlParams struct {
	UpdateRateHz    float64 `json:"update_rate_hz"`
	SmoothingFactor float64 `json:"smoothing_factor"`
}

// Metadata describes when and by which format version a calibration was
// written.
type Metadata struct {
	Version      string `json:"version,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// CalibrationSet holds calibration data for all servos, keyed by channel.
type CalibrationSet struct {
	Servos        map[int]ServoCalibration `json:"servos"`
	ControlParams ControlParams            `json:"control_params"`
	Metadata      Metadata                 `json:"metadata"`
}

// NewCalibrationSet returns an empty set with default control parameters.
func NewCalibrationSet() *CalibrationSet {
	return &CalibrationSet{
		Servos: make(map[int]ServoCalibration),
		ControlParams: ControlParams{
			UpdateRateHz:    DefaultUpdateRateHz,
			SmoothingFactor: DefaultSmoothingFactor,
		},
	}
}

// DefaultCalibration returns an uncalibrated set covering every channel of
// the hand with the full MG996R pulse range.
func DefaultCalibration() *CalibrationSet {
	cs := NewCalibrationSet()
	for ch := 0; ch < NumChannels; ch++ {
		cs.SetServo(ServoCalibration{
			Channel:               ch,
			JointName:             JointName(ch),
			PulseMin:              SafePulseMin,
			PulseMax:              SafePulseMax,
			Points:                Uncalibrated{},
			CurlDirectionPositive: !IsThumbChannel(ch),
		})
	}
	return cs
}

// Servo returns the calibration of a channel.
func (cs *CalibrationSet) Servo(channel int) (ServoCalibration, bool) {
	c, ok := cs.Servos[channel]
	return c, ok
}

// SetServo adds or replaces the calibration of a channel.
func (cs *CalibrationSet) SetServo(c ServoCalibration) {
	if cs.Servos == nil {
		cs.Servos = make(map[int]ServoCalibration)
	}
	if c.Points == nil {
		c.Points = Uncalibrated{}
	}
	cs.Servos[c.Channel] = c
}

// Channels returns the calibrated channel numbers in ascending order.
func (cs *CalibrationSet) Channels() []int {
	chs := make([]int, 0, len(cs.Servos))
	for ch := range cs.Servos {
		chs = append(chs, ch)
	}
	sort.Ints(chs)
	return chs
}

// Validate checks every channel and the control parameters.
func (cs *CalibrationSet) Validate() error {
	for _, ch := range cs.Channels() {
		c := cs.Servos[ch]
		if c.Channel != ch {
			return fmt.Errorf("servo keyed %d declares channel %d", ch, c.Channel)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if cs.ControlParams.UpdateRateHz <= 0 {
		return fmt.Errorf("update_rate_hz must be positive, got %v", cs.ControlParams.UpdateRateHz)
	}
	if cs.ControlParams.SmoothingFactor <= 0 {
		return fmt.Errorf("smoothing_factor must be positive, got %v", cs.ControlParams.SmoothingFactor)
	}
	return nil
}

// ResolveCalibrationPath returns path, or the environment override, or
// the default path, in that order.
func ResolveCalibrationPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(CalibrationPathEnv); env != "" {
		return env
	}
	return DefaultCalibrationPath
}

// LoadCalibration loads calibration data from a JSON file. A missing or
// empty file yields DefaultCalibration. Malformed or invalid content is
// an error wrapping ErrInvalidCalibration.
func LoadCalibration(path string) (*CalibrationSet, error) {
	path = ResolveCalibrationPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", path).Warn("calibration file not found, using default calibration")
			return DefaultCalibration(), nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read calibration file %s", path)
	}

	if strings.TrimSpace(string(data)) == "" {
		logrus.WithField("path", path).Warn("calibration file is empty, using default calibration")
		return DefaultCalibration(), nil
	}

	cs := NewCalibrationSet()
	if err := json.Unmarshal(data, cs); err != nil {
		return nil, pkgerrors.Wrapf(errors.Join(ErrInvalidCalibration, err), "failed to parse calibration file %s", path)
	}
	if cs.Servos == nil {
		cs.Servos = make(map[int]ServoCalibration)
	}
	if err := cs.Validate(); err != nil {
		return nil, pkgerrors.Wrapf(errors.Join(ErrInvalidCalibration, err), "calibration file %s", path)
	}

	return cs, nil
}

// Save writes the calibration to path, stamping the metadata. The file is
// replaced atomically: a temporary file is written and synced, then
// renamed over path.
func (cs *CalibrationSet) Save(path string) error {
	path = ResolveCalibrationPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}

	cs.Metadata.Version = calibrationVersion
	cs.Metadata.LastModified = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(cs, "", "    ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode calibration")
	}

	if err := writeFileAtomic(path, data); err != nil {
		logrus.WithError(err).WithField("path", path).Error("failed to save calibration")
		return err
	}

	logrus.WithField("path", path).Info("calibration saved")
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temporary file for %s", path)
	}
	tmpPath := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(pkgerrors.Wrapf(err, "failed to write %s", tmpPath))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(pkgerrors.Wrapf(err, "failed to sync %s", tmpPath))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return pkgerrors.Wrapf(err, "failed to close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return pkgerrors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}
