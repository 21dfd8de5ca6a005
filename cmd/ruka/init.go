package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"go.bug.st/serial"

	"github.com/gwillem/ruka/pkg/driver"
	"github.com/gwillem/ruka/pkg/hand"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type InitCommand struct {
	Force    bool `long:"force" short:"f" description:"Overwrite existing files without asking"`
	Defaults bool `long:"defaults" description:"Write the defaults without asking anything"`
}

func (c *InitCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("RUKA Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━"))
	fmt.Println()

	if hand.ConfigExists(opts.Config) && !c.Force && !confirm(fmt.Sprintf("%s exists. Overwrite?", opts.Config)) {
		fmt.Println("Keeping existing configuration.")
		return nil
	}

	cfg := hand.DefaultConfig()
	if !c.Defaults {
		if err := chooseDriver(cfg); err != nil {
			return err
		}
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}
	fmt.Printf("Configuration saved to %s\n", opts.Config)

	calPath := hand.ResolveCalibrationPath(cfg.CalibrationPath)
	if hand.ConfigExists(calPath) && !c.Force && !confirm(fmt.Sprintf("%s exists. Replace it with an uncalibrated default?", calPath)) {
		fmt.Printf("Keeping calibration %s\n", calPath)
	} else {
		if err := hand.DefaultCalibration().Save(calPath); err != nil {
			return fmt.Errorf("error saving calibration: %w", err)
		}
		fmt.Printf("Default calibration saved to %s\n", calPath)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Println("Start the hand with: " + headerStyle.Render("ruka serve"))
	return nil
}

func chooseDriver(cfg *hand.Config) error {
	driverKind := string(cfg.Driver)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How are the servos connected?").
				Options(
					huh.NewOption("PCA9685 PWM board on I2C (MG996R hobby servos)", string(hand.DriverPCA9685)),
					huh.NewOption("Feetech bus servos on a serial port", string(hand.DriverFeetech)),
					huh.NewOption("No hardware (simulation)", string(hand.DriverSim)),
				).
				Value(&driverKind),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	cfg.Driver = hand.DriverKind(driverKind)

	switch cfg.Driver {
	case hand.DriverPCA9685:
		return choosePCA9685(cfg)
	case hand.DriverFeetech:
		return chooseFeetechPort(cfg)
	}
	return nil
}

func choosePCA9685(cfg *hand.Config) error {
	bus := strconv.Itoa(cfg.PCA9685.Bus)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("I2C bus number").
				Description("The board is expected on /dev/i2c-N at address 0x40").
				Value(&bus).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("not a bus number")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	cfg.PCA9685.Bus, _ = strconv.Atoi(bus)
	return nil
}

func chooseFeetechPort(cfg *hand.Config) error {
	ports := findPorts()
	if len(ports) == 0 {
		return fmt.Errorf("no serial ports found, make sure the servo bus is connected")
	}

	port := ports[0]
	options := make([]huh.Option[string], 0, len(ports))
	for _, p := range ports {
		options = append(options, huh.NewOption(p, p))
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which serial port is the servo bus on?").
				Options(options...).
				Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	cfg.Feetech.Port = port

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("Scanning " + port + "..."))
	bus := driver.NewFeetech(driver.FeetechConfig{Port: port, BaudRate: cfg.Feetech.BaudRate})
	if err := bus.Open(context.Background()); err != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  %v", err)))
		return nil
	}
	defer bus.Close()

	found := bus.Found()
	fmt.Printf("  Found %d servo(s)\n", len(found))
	if len(found) < hand.NumChannels {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  The hand has %d joints; missing servos will not move.", hand.NumChannels)))
	}
	return nil
}

func findPorts() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var out []string
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		out = append(out, port)
	}
	return out
}

func confirm(title string) bool {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return ok
}
