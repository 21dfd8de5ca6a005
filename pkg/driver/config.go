package driver

import (
	"fmt"

	"github.com/gwillem/ruka/pkg/hand"
)

// FromConfig builds the driver selected by cfg. The simulated driver wins
// whenever simulation is requested.
func FromConfig(cfg *hand.Config) (Driver, error) {
	if cfg.Simulated() {
		return NewSim(), nil
	}
	switch cfg.Driver {
	case hand.DriverPCA9685:
		return NewPCA9685(PCA9685Config{
			Bus:     cfg.PCA9685.Bus,
			Address: cfg.PCA9685.Address,
		}), nil
	case hand.DriverFeetech:
		if cfg.Feetech.Port == "" {
			return nil, fmt.Errorf("feetech driver needs a serial port")
		}
		return NewFeetech(FeetechConfig{
			Port:     cfg.Feetech.Port,
			BaudRate: cfg.Feetech.BaudRate,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
