// Package settings holds the host tool's own settings: how to reach the
// printer, where to write results and how to log. Calibration options live
// in the printer's [auto_speed] section instead.
package settings

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/log"
)

// Link kinds.
const (
	LinkSerial    = "serial"
	LinkMoonraker = "moonraker"
	LinkSim       = "sim"
)

// EnvPrefix prefixes every environment override, e.g. AUTOSPEED_LINK.
const EnvPrefix = "AUTOSPEED_"

// Settings is the resolved host configuration.
type Settings struct {
	// PrinterConfig is the Klipper printer.cfg holding [auto_speed].
	PrinterConfig string `koanf:"printer_config"`

	// Link selects the transport: serial, moonraker or sim.
	Link string `koanf:"link"`

	SerialDevice string `koanf:"serial_device"`
	SerialBaud   int    `koanf:"serial_baud"`
	MoonrakerURL string `koanf:"moonraker_url"`

	// CommandTimeout bounds a single G-code script.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// MetricsAddr enables the status server when set, e.g. ":9101".
	MetricsAddr string `koanf:"metrics_addr"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// ResultsDir overrides [auto_speed] results_dir when set.
	ResultsDir string `koanf:"results_dir"`

	// Simulator model, used when Link is sim.
	SimPeakAccel      float64 `koanf:"sim_peak_accel"`
	SimCornerVelocity float64 `koanf:"sim_corner_velocity"`
	SimMaxVelocity    float64 `koanf:"sim_max_velocity"`
	SimEndstopJitter  int     `koanf:"sim_endstop_jitter"`
}

// New returns the defaults.
func New() *Settings {
	return &Settings{
		PrinterConfig:     "~/printer_data/config/printer.cfg",
		Link:              LinkSerial,
		SerialDevice:      "/tmp/printer",
		SerialBaud:        250000,
		MoonrakerURL:      "ws://localhost:7125/websocket",
		CommandTimeout:    10 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
		SimPeakAccel:      12000,
		SimCornerVelocity: 250,
		SimMaxVelocity:    800,
	}
}

// Load layers, from low to high precedence:
//  1. defaults (New)
//  2. the YAML file at path, or at AUTOSPEED_SETTINGS when path is empty
//  3. env (prefix AUTOSPEED_)
func Load(path string) (*Settings, error) {
	base := New()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "SETTINGS")
	}
	if path != "" {
		if err := k.Load(file.Provider(ExpandHome(path)), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigValidation, "load settings "+path)
		}
	}

	// AUTOSPEED_SERIAL_DEVICE -> serial_device
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "load environment")
	}

	s := *base
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings that the chosen link needs.
func (s *Settings) Validate() error {
	switch s.Link {
	case LinkSerial:
		if s.SerialDevice == "" {
			return errors.ConfigValidationError("serial_device", "required for the serial link")
		}
	case LinkMoonraker:
		if !strings.HasPrefix(s.MoonrakerURL, "ws://") && !strings.HasPrefix(s.MoonrakerURL, "wss://") {
			return errors.ConfigValidationError("moonraker_url", "must be a ws:// or wss:// URL")
		}
	case LinkSim:
		if s.SimPeakAccel <= 0 || s.SimCornerVelocity <= 0 {
			return errors.ConfigValidationError("sim_peak_accel", "simulator model must be positive")
		}
	default:
		return errors.ConfigValidationError("link", "must be one of serial, moonraker, sim")
	}
	if s.CommandTimeout <= 0 {
		return errors.ConfigValidationError("command_timeout", "must be positive")
	}
	if _, err := log.ParseFormat(s.LogFormat); err != nil {
		return errors.ConfigValidationError("log_format", err.Error())
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}
