package motion

// Command is a request queued for the control loop. It is one of
// SetNormalized, SetPulse or Release. Commands are not modified after
// they are queued.
type Command interface {
	command()
}

// SetNormalized sets channel targets from normalized positions
// (0=open, 1=curled), converted through each channel's calibration.
type SetNormalized struct {
	Positions map[int]float64
}

// SetPulse sets channel targets to raw pulse widths in microseconds,
// bypassing calibration.
type SetPulse struct {
	Pulses map[int]int
}

// Release stops driving the given channels.
type Release struct {
	Channels []int
}

func (SetNormalized) command() {}
func (SetPulse) command()      {}
func (Release) command()       {}
