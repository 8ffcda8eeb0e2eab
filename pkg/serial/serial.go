// Package serial provides the G-code line transport to Klipper's pseudo-tty
// (the printer's /tmp/printer device).
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"

	"klipper-autospeed/pkg/log"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /tmp/printer)
	Device string

	// Baud rate (default: 250000). The pseudo-tty ignores it.
	BaudRate int

	// Read timeout for a single read (default: 100ms)
	ReadTimeout time.Duration

	// CommandTimeout bounds the wait for one line's "ok" (default: 10 minutes,
	// long enough for a full homing cycle)
	CommandTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Device:         "/tmp/printer",
		BaudRate:       250000,
		ReadTimeout:    100 * time.Millisecond,
		CommandTimeout: 10 * time.Minute,
	}
}

// Port is a G-code connection. One script runs at a time; EmergencyStop can
// be written while a script is waiting for its reply.
type Port struct {
	mu      sync.Mutex // serializes scripts
	wmu     sync.Mutex // serializes writes
	rw      io.ReadWriteCloser
	cfg     Config
	pending []byte
	closed  bool
	log     *log.Logger
}

// Open opens the device with the given configuration.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	cfg = withDefaults(cfg)

	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	if err := unix.Access(device, unix.R_OK|unix.W_OK); err != nil {
		return nil, fmt.Errorf("serial: %s not accessible: %w", device, err)
	}
	sp, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	return NewPort(sp, cfg), nil
}

// NewPort wraps an already open stream. Reads returning io.EOF with no data
// are treated as read timeouts, the way tarm/serial reports them.
func NewPort(rw io.ReadWriteCloser, cfg Config) *Port {
	return &Port{rw: rw, cfg: withDefaults(cfg), log: log.New("serial")}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	return cfg
}

// Script sends each line of script and waits for its "ok". The other lines
// printed meanwhile are returned in order.
func (p *Port) Script(ctx context.Context, script string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := p.write(line); err != nil {
			return out, err
		}
		resp, err := p.awaitOK(ctx)
		out = append(out, resp...)
		if err != nil {
			return out, fmt.Errorf("serial: %s: %w", line, err)
		}
	}
	return out, nil
}

func (p *Port) write(line string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.log.Debug("send %s", line)
	if _, err := io.WriteString(p.rw, line+"\n"); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

func (p *Port) awaitOK(ctx context.Context) ([]string, error) {
	deadline := time.Now().Add(p.cfg.CommandTimeout)
	var lines []string
	buf := make([]byte, 512)
	for {
		for {
			i := bytes.IndexByte(p.pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(p.pending[:i]))
			p.pending = p.pending[i+1:]
			switch {
			case line == "":
			case line == "ok":
				return lines, nil
			default:
				lines = append(lines, line)
			}
		}

		if err := ctx.Err(); err != nil {
			return lines, err
		}
		if time.Now().After(deadline) {
			return lines, ErrTimeout
		}
		n, err := p.rw.Read(buf)
		p.pending = append(p.pending, buf[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			return lines, fmt.Errorf("read: %w", err)
		}
		if n == 0 && errors.Is(err, io.EOF) {
			time.Sleep(time.Millisecond)
		}
	}
}

// EmergencyStop writes M112 without waiting for any pending script.
func (p *Port) EmergencyStop(ctx context.Context) error {
	return p.write("M112")
}

// Close closes the port.
func (p *Port) Close() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.rw.Close()
}

// Device returns the configured device path.
func (p *Port) Device() string {
	return p.cfg.Device
}

// IsDeviceAvailable checks if a device path exists and is accessible.
func IsDeviceAvailable(device string) bool {
	info, err := os.Stat(device)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0 || info.Mode()&os.ModeCharDevice != 0
}

// ResolveDevice resolves a device path, following symlinks.
func ResolveDevice(device string) (string, error) {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		return "", fmt.Errorf("serial: resolve %s: %w", device, err)
	}
	return resolved, nil
}
