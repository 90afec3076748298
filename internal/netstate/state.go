package netstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

// State is the agent's view of the authoritative store's reachability.
type State string

const (
	Unknown State = "UNKNOWN"
	Online  State = "ONLINE"
	Offline State = "OFFLINE"
)

var validTransitions = map[State][]State{
	Unknown: {Online, Offline},
	Online:  {Offline},
	Offline: {Online},
}

// Machine tracks store reachability. Moving from Offline to Online publishes
// bus.KindNetRestored, which triggers a queue flush.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Unknown state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Unknown,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Online reports whether the store was last seen reachable.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Observe feeds the outcome of a store call into the machine. Connectivity
// failures move it Offline, successes move it Online, and any other error
// leaves it unchanged.
func (m *Machine) Observe(err error) State {
	var to State
	switch {
	case err == nil:
		to = Online
	case chat.IsConnectivity(err):
		to = Offline
	default:
		return m.Current()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != to {
		_ = m.transitionLocked(to)
	}
	return m.current
}

func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus == nil {
		return nil
	}
	m.bus.Publish(bus.NewEvent(bus.KindNetStatus, StatusChange{From: from, To: to}))
	if from == Offline && to == Online {
		m.bus.Publish(bus.NewEvent(bus.KindNetRestored, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
