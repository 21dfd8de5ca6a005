package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Config   string `long:"config" short:"c" default:"ruka.json" description:"Path to the configuration file"`
	LogLevel string `long:"log-level" env:"RUKA_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	Serve   ServeCommand   `command:"serve" description:"Run the hand controller and its HTTP/websocket API"`
	Init    InitCommand    `command:"init" description:"Write a configuration and a default calibration"`
	Status  StatusCommand  `command:"status" description:"Show the state of a running hand"`
	Monitor MonitorCommand `command:"monitor" description:"Chart finger positions of a running hand"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func setupLogger() error {
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
	}
	return nil
}

func main() {
	parser.LongDescription = "ruka - servo controller for the RUKA robotic hand"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := setupLogger(); err != nil {
			return err
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
