package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tripchat/internal/bus"
)

// State represents a chat session lifecycle state.
type State string

const (
	Idle              State = "IDLE"
	ResolvingIdentity State = "RESOLVING_IDENTITY"
	LoadingHistory    State = "LOADING_HISTORY"
	Live              State = "LIVE"
	TornDown          State = "TORN_DOWN"
	Failed            State = "FAILED"
)

// validTransitions defines allowed state transitions. FAILED and TORN_DOWN
// are terminal: a retry or conversation change builds a fresh controller.
var validTransitions = map[State][]State{
	Idle:              {ResolvingIdentity, TornDown},
	ResolvingIdentity: {LoadingHistory, Failed, TornDown},
	LoadingHistory:    {Live, Failed, TornDown},
	Live:              {TornDown},
	Failed:            {},
	TornDown:          {},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		current := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", current, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindSessionStateChanged,
			At:      time.Now(),
			Payload: StateChange{From: from, To: to},
		})
	}
	return nil
}

// StateChange is the payload for session state change events.
type StateChange struct {
	From State
	To   State
}
