package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/ruka/pkg/driver"
	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/motion"
	"github.com/gwillem/ruka/pkg/server"
)

type ServeCommand struct {
	Listen      string  `long:"listen" short:"l" description:"Address to listen on (default from config)"`
	Simulate    bool    `long:"simulate" description:"Run without hardware"`
	Calibration string  `long:"calibration" description:"Path to the calibration file (default from config)"`
	Smoothing   float64 `long:"smoothing" description:"Smoothing factor (default from calibration)"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := hand.LoadConfigFrom(opts.Config)
	if err != nil {
		return err
	}
	if c.Simulate {
		cfg.Driver = hand.DriverSim
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.Calibration != "" {
		cfg.CalibrationPath = c.Calibration
	}

	drv, err := driver.FromConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Simulated() {
		logrus.Warn("running in simulation mode, no servo will move")
	}

	ctrl := motion.NewController(drv, motion.Config{
		CalibrationPath: cfg.CalibrationPath,
		SmoothingFactor: c.Smoothing,
		Logger:          logrus.StandardLogger(),
	})

	// Handle common process-killing signals, so we can gracefully shut down
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to the hand (use --simulate to run without hardware): %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			logrus.Errorf("failed to close driver: %v", err)
		}
	}()

	ctrl.Start(ctx)
	// Releases every servo on the way out, whatever made us exit.
	defer ctrl.Stop()

	go reloadOnHangup(ctx, ctrl, cfg)

	srv := server.New(ctrl, logrus.StandardLogger())
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logrus.Info("exiting")
	return nil
}

// reloadOnHangup re-reads the smoothing factor from the calibration file
// on SIGHUP.
func reloadOnHangup(ctx context.Context, ctrl *motion.Controller, cfg *hand.Config) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP)
	defer signal.Stop(sigc)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigc:
		}
		cal, err := hand.LoadCalibration(cfg.CalibrationPath)
		if err != nil {
			logrus.Errorf("failed to reload calibration: %v", err)
			continue
		}
		ctrl.SetSmoothing(cal.ControlParams.SmoothingFactor)
		logrus.Infof("smoothing factor reloaded: %.3f", ctrl.Smoothing())
	}
}
