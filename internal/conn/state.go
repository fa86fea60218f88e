package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/xmppgo/chatd/internal/bus"
)

// State represents the connection state of one account.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Online, Reconnecting, Error, Offline},
	Online:       {Reconnecting, Error, Offline},
	Reconnecting: {Connecting, Error, Offline},
	Error:        {Connecting, Offline},
}

// Machine tracks and enforces connection state transitions for one
// account, publishing conn.up and conn.down events on the bus.
type Machine struct {
	mu      sync.RWMutex
	account string
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Offline state.
func NewMachine(account string, b *bus.Bus) *Machine {
	return &Machine{
		account: account,
		current: Offline,
		bus:     b,
	}
}

// Account returns the account this machine belongs to.
func (m *Machine) Account() string { return m.account }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the account is connected.
func (m *Machine) Online() bool { return m.Current() == Online }

// Transition attempts to move to a new state. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		if to == Online {
			m.bus.Publish(bus.NewEvent(bus.KindConnUp, bus.ConnState{Account: m.account}))
		} else if from == Online {
			m.bus.Publish(bus.NewEvent(bus.KindConnDown, bus.ConnState{Account: m.account}))
		}
	}
	return nil
}
