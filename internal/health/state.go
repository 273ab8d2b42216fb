// Package health tracks the daemon's runtime state.
package health

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/msgrelay/internal/bus"
	"go.uber.org/zap"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Starting State = "STARTING"
	Ready    State = "READY"
	Degraded State = "DEGRADED"
	Stopping State = "STOPPING"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions. Any state may move to
// Error.
var validTransitions = map[State][]State{
	Booting:  {Starting, Error},
	Starting: {Ready, Error},
	Ready:    {Degraded, Stopping, Error},
	Degraded: {Ready, Stopping, Error},
	Stopping: {Error},
	Error:    {Booting},
}

// Change is the payload for daemon.health events.
type Change struct {
	From   State
	To     State
	Reason string
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{current: Booting, bus: b, logger: logger}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns why the daemon entered its current state, if known.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves the daemon to Error from any state.
func (m *Machine) Fail(reason string) error {
	return m.transition(Error, reason)
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.setLocked(to, reason)
	return nil
}

func (m *Machine) setLocked(to State, reason string) {
	from := m.current
	m.current = to
	m.reason = reason
	m.logger.Info("health changed",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	m.bus.Publish(bus.NewEvent(bus.KindHealth, Change{From: from, To: to, Reason: reason}))
}

// Degrade moves a READY daemon to DEGRADED. Other states are left alone.
func (m *Machine) Degrade(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.current {
	case Ready:
		m.setLocked(Degraded, reason)
	case Degraded:
		m.reason = reason
	}
}

// Recover moves a DEGRADED daemon back to READY.
func (m *Machine) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Degraded {
		m.setLocked(Ready, "")
	}
}
