package hand

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const DefaultConfigFile = "ruka.json"

// SimulateEnv forces the simulated driver when set to a true value.
const SimulateEnv = "RUKA_SIMULATE"

// DriverKind selects the hardware backend.
type DriverKind string

const (
	DriverSim     DriverKind = "sim"
	DriverPCA9685 DriverKind = "pca9685"
	DriverFeetech DriverKind = "feetech"
)

// Config holds the hand server configuration
type Config struct {
	Driver          DriverKind    `json:"driver"`
	CalibrationPath string        `json:"calibration_path,omitempty"`
	Listen          string        `json:"listen"`
	PCA9685         PCA9685Config `json:"pca9685"`
	Feetech         FeetechConfig `json:"feetech"`
}

// PCA9685Config holds the I2C location of the PWM board
type PCA9685Config struct {
	Bus     int    `json:"bus"`
	Address uint16 `json:"address"`
}

// FeetechConfig holds the serial bus settings for feetech bus servos
type FeetechConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverPCA9685,
		Listen: "0.0.0.0:8000",
		PCA9685: PCA9685Config{
			Bus:     1,
			Address: 0x40,
		},
		Feetech: FeetechConfig{
			BaudRate: 1_000_000,
		},
	}
}

// Simulated reports whether the simulated driver should be used.
func (c *Config) Simulated() bool {
	if v, err := strconv.ParseBool(os.Getenv(SimulateEnv)); err == nil && v {
		return true
	}
	return c.Driver == DriverSim
}

// LoadConfigFrom loads configuration from a specific file, or from
// DefaultConfigFile when path is empty. Fields absent from the file keep
// their defaults; a missing or empty file yields DefaultConfig.
func LoadConfigFrom(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read config file %s", path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
