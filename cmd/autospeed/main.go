// autospeed finds the maximum acceleration and velocity a Klipper printer
// can sustain without losing steps.
//
// Usage:
//
//	autospeed run [--axis x,y] [--accel-max 20000] [--derate 0.8]
//	autospeed accel | velocity | graph | validate | endstop-accuracy <axis>
//
// Examples:
//
//	# Full calibration over the Klipper pseudo-tty
//	autospeed run --printer-config ~/printer_data/config/printer.cfg
//
//	# Through Moonraker
//	autospeed run --link moonraker --moonraker-url ws://voron.local:7125/websocket
//
//	# Dry run against the simulator
//	autospeed run --link sim -v
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/log"
	"klipper-autospeed/pkg/settings"
)

var (
	gCalibrate   = "Calibration:"
	gDiagnostics = "Diagnostics:"
)

// app holds the global flags and the settings resolved from them.
type app struct {
	settingsPath  string
	printerConfig string
	linkKind      string
	serialDevice  string
	moonrakerURL  string
	metricsAddr   string
	resultsDir    string
	logLevel      string
	verbose       bool
	noFiles       bool

	out      io.Writer
	settings *settings.Settings
}

func main() {
	cmd := NewCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, errors.ErrSensorUnavailable):
		fmt.Fprintln(os.Stderr, "\nThe step counters disagree after repeated homing.")
		fmt.Fprintln(os.Stderr, "  - Check the endstops, or raise max_missed in [auto_speed]")
	case errors.IsUnsafeConfig(err):
		fmt.Fprintln(os.Stderr, "\nThe requested limits cannot be tested inside the axis travel.")
		fmt.Fprintln(os.Stderr, "  - Lower accel_max / velocity_max or the margin in [auto_speed]")
	case errors.Is(err, errors.ErrLink):
		fmt.Fprintln(os.Stderr, "\nCould not talk to the printer.")
		fmt.Fprintln(os.Stderr, "  - Is Klipper running? Check serial_device or moonraker_url")
	case errors.Is(err, errors.ErrAborted):
		fmt.Fprintln(os.Stderr, "\nStopped. The printer needs a FIRMWARE_RESTART before the next run.")
	}
}

// NewCommand builds the command tree writing progress to out.
func NewCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}

	cmd := &cobra.Command{
		Use:   "autospeed",
		Short: "autospeed finds the maximum safe acceleration and velocity of a Klipper printer",
		Long: `autospeed finds the maximum safe acceleration and velocity of a Klipper printer.

It drives test moves, re-homes, and compares the MCU step counters to detect
lost steps. Results are derated and validated before they are recommended.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	cmd.SetOut(out)

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVar(&a.settingsPath, "settings", "", "host settings file (default $AUTOSPEED_SETTINGS)")
	globalFlags.StringVarP(&a.printerConfig, "printer-config", "c", "", "Klipper printer.cfg holding [auto_speed]")
	globalFlags.StringVar(&a.linkKind, "link", "", "printer link: serial, moonraker or sim")
	globalFlags.StringVar(&a.serialDevice, "serial-device", "", "Klipper pseudo-tty")
	globalFlags.StringVar(&a.moonrakerURL, "moonraker-url", "", "Moonraker websocket URL")
	globalFlags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve /metrics and /status on this address")
	globalFlags.StringVar(&a.resultsDir, "results-dir", "", "directory for result files")
	globalFlags.StringVarP(&a.logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	globalFlags.BoolVarP(&a.verbose, "verbose", "v", false, "show every test move")
	globalFlags.BoolVar(&a.noFiles, "no-files", false, "do not write result files")

	cmd.AddGroup(&cobra.Group{ID: gCalibrate, Title: gCalibrate}, &cobra.Group{ID: gDiagnostics, Title: gDiagnostics})
	cmd.AddCommand(
		a.newRunCommand(),
		a.newAccelCommand(),
		a.newVelocityCommand(),
		a.newGraphCommand(),
		a.newValidateCommand(),
		a.newEndstopAccuracyCommand(),
	)
	return cmd
}

// setup loads the settings, applies the global flags over them and
// configures logging.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	s, err := settings.Load(a.settingsPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("printer-config", &s.PrinterConfig, a.printerConfig)
	set("link", &s.Link, a.linkKind)
	set("serial-device", &s.SerialDevice, a.serialDevice)
	set("moonraker-url", &s.MoonrakerURL, a.moonrakerURL)
	set("metrics-addr", &s.MetricsAddr, a.metricsAddr)
	set("results-dir", &s.ResultsDir, a.resultsDir)
	set("log-level", &s.LogLevel, a.logLevel)
	if err := s.Validate(); err != nil {
		return err
	}

	format, err := log.ParseFormat(s.LogFormat)
	if err != nil {
		return err
	}
	if err := log.Setup(s.LogLevel, format, os.Stderr); err != nil {
		return errors.ConfigValidationError("log_level", err.Error())
	}
	a.settings = s
	return nil
}
