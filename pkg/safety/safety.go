// Package safety provides the abort latch for calibration runs: emergency
// stop, user abort and fault shutdown, observed between any two moves.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	hosterrors "klipper-autospeed/pkg/errors"
)

// ShutdownState represents the machine's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates the run was stopped on request.
	StateShutdown

	// StateError indicates a fault-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the run was stopped.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonUserRequest     ShutdownReason = "user_request"
	ReasonMechanicalFault ShutdownReason = "mechanical_fault"
	ReasonCommunication   ShutdownReason = "communication_error"
)

// Common errors
var (
	ErrShutdown      = errors.New("safety: machine is shut down")
	ErrEmergencyStop = errors.New("safety: emergency stop triggered")
)

// EmergencyStopper can halt the machine immediately (M112).
type EmergencyStopper interface {
	EmergencyStop(ctx context.Context) error
}

// Manager manages the shutdown state of one calibration session.
type Manager struct {
	mu sync.RWMutex

	// Current state
	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time
	done           chan struct{}

	stoppers   []EmergencyStopper
	onShutdown []func(reason ShutdownReason, msg string)

	stopTimeout time.Duration
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:       StateRunning,
		done:        make(chan struct{}),
		stopTimeout: 2 * time.Second,
	}
}

// RegisterStopper registers a link that receives the emergency stop.
func (m *Manager) RegisterStopper(s EmergencyStopper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppers = append(m.stoppers, s)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOperational returns true if no stop has been requested.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns an error once a stop has been requested.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.state == StateRunning:
		return nil
	case m.shutdownReason == ReasonEmergencyStop:
		return fmt.Errorf("%w: %s", ErrEmergencyStop, m.shutdownMsg)
	default:
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
}

// Done is closed when a shutdown begins.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns a context cancelled when the parent is or when a shutdown
// begins, so blocking link calls return promptly.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// EmergencyStop latches the stop and sends M112 to every registered link.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg, true)
}

// RequestShutdown stops the run without halting the machine.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg, false)
}

// MechanicalFault latches a fault reported by the motion system.
func (m *Manager) MechanicalFault(msg string) error {
	return m.invokeShutdown(ReasonMechanicalFault, msg, false)
}

// CommunicationError latches a lost link.
func (m *Manager) CommunicationError(msg string) error {
	return m.invokeShutdown(ReasonCommunication, msg, false)
}

// LatchFault latches the shutdown matching a failed run: a mechanical
// fault or a lost link. It reports whether err was one of those.
func (m *Manager) LatchFault(err error) bool {
	switch {
	case err == nil:
		return false
	case hosterrors.Is(err, hosterrors.ErrMechanicalFault):
		_ = m.MechanicalFault(err.Error())
	case hosterrors.Is(err, hosterrors.ErrLink):
		_ = m.CommunicationError(err.Error())
	default:
		return false
	}
	return true
}

// invokeShutdown performs the shutdown sequence.
func (m *Manager) invokeShutdown(reason ShutdownReason, msg string, halt bool) error {
	m.mu.Lock()

	// Don't shutdown if already shut down
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}

	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()
	close(m.done)

	stoppers := make([]EmergencyStopper, len(m.stoppers))
	copy(stoppers, m.stoppers)
	timeout := m.stopTimeout
	m.mu.Unlock()

	var errs []error
	if halt {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, s := range stoppers {
			if err := s.EmergencyStop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()
	}

	m.mu.Lock()
	finalState := StateShutdown
	if reason != ReasonUserRequest {
		finalState = StateError
	}
	m.state = finalState
	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	m.mu.Unlock()

	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return errors.Join(errs...)
}

// Status returns a status struct for reporting.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	IsOperational  bool      `json:"is_operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}
