package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the lifecycle state of the real-time connection.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
)

// validTransitions defines allowed state transitions. Every state can
// fall back to Disconnected so an explicit disconnect is always legal.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting, Failed},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
	Reconnecting: {Connecting, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. Transition
// is called from the engine queue only; Current may be read from any
// goroutine.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
		now:     time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. cause is attached to the published
// change and may be nil.
func (m *Machine) Transition(to State, cause error) (StatusChange, error) {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return StatusChange{}, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StatusChange{From: m.current, To: to, Err: cause, At: m.now()}
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.ConnStateChanged,
			Timestamp: change.At,
			Payload:   change,
		})
	}
	return change, nil
}

// StatusChange is the payload of conn.state_changed.
type StatusChange struct {
	From State
	To   State
	// Err is the failure that caused the change, if any.
	Err error
	At  time.Time
}
