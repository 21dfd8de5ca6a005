// Package hand describes the RUKA hand: its joints, fingers, and the
// per-channel servo calibration.
package hand

import "fmt"

// FingerName identifies a finger of the hand.
type FingerName string

// Finger names, little finger first.
const (
	Pinky  FingerName = "pinky"
	Ring   FingerName = "ring"
	Middle FingerName = "middle"
	Index  FingerName = "index"
	Thumb  FingerName = "thumb"
)

// NumChannels is the number of servo channels wired on the hand (0-10).
const NumChannels = 11

// MaxChannels is the number of PWM outputs on the driver board.
const MaxChannels = 16

// MG996R pulse limits in microseconds.
const (
	SafePulseMin = 500
	SafePulseMax = 2500

	// Hard limits accepted when validating a calibration file.
	pulseLimitMin = 400
	pulseLimitMax = 2600
)

// Joint names by channel. Assumes the servos are wired in this order.
var jointNames = map[int]string{
	0:  "pinky_mcp",
	1:  "pinky_pip",
	2:  "ring_mcp",
	3:  "ring_pip",
	4:  "middle_mcp",
	5:  "middle_pip",
	6:  "index_mcp",
	7:  "index_pip",
	8:  "thumb_cmc",
	9:  "thumb_mcp",
	10: "thumb_ip",
}

var fingerChannels = map[FingerName][]int{
	Pinky:  {0, 1},
	Ring:   {2, 3},
	Middle: {4, 5},
	Index:  {6, 7},
	Thumb:  {8, 9, 10},
}

// AllFingers returns all finger names in order.
func AllFingers() []FingerName {
	return []FingerName{Pinky, Ring, Middle, Index, Thumb}
}

// FingerChannels returns the channels driving a finger, or nil for an
// unknown finger.
func FingerChannels(name FingerName) []int {
	chs, ok := fingerChannels[name]
	if !ok {
		return nil
	}
	out := make([]int, len(chs))
	copy(out, chs)
	return out
}

// JointName returns the display name of the joint on a channel.
func JointName(channel int) string {
	if name, ok := jointNames[channel]; ok {
		return name
	}
	return fmt.Sprintf("channel_%d", channel)
}

// IsThumbChannel reports whether a channel drives a thumb joint. Thumb
// servos are mounted mirrored, so lower pulse means more curl.
func IsThumbChannel(channel int) bool {
	for _, ch := range fingerChannels[Thumb] {
		if ch == channel {
			return true
		}
	}
	return false
}
