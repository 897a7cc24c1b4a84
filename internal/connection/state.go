package connection

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// Transition is one applied state change.
type Transition struct {
	Conn device.ConnHandle
	From device.ConnectionState
	To   device.ConnectionState
	Err  error // bridge-reported cause, if any
}

// Observer is notified after every applied transition, outside the machine's lock.
type Observer func(Transition)

// StateMachine tracks one connection's lifecycle:
//
//	DISCONNECTED -connect-> CONNECTING -event-> CONNECTED -close-> DISCONNECTING -> DISCONNECTED
//	                        CONNECTING -event(failed)-> DISCONNECTED
//	                                              CONNECTED -event(link lost)-> DISCONNECTED
//
// Bridge events that do not fit the current state (duplicates, late CONNECTED
// after a disconnect, a second DISCONNECTED) are ignored.
type StateMachine struct {
	mu        sync.RWMutex
	conn      device.ConnHandle
	state     device.ConnectionState
	lastErr   error
	observers []Observer
	logger    *logrus.Logger
}

// NewStateMachine returns a machine in DISCONNECTED.
func NewStateMachine(logger *logrus.Logger) *StateMachine {
	if logger == nil {
		logger = logrus.New()
	}
	return &StateMachine{
		state:  device.StateDisconnected,
		logger: logger,
	}
}

// SetConn records the bridge handle once it is known, for events and logs.
func (m *StateMachine) SetConn(conn device.ConnHandle) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// OnTransition registers an observer.
func (m *StateMachine) OnTransition(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
}

// State returns the current state.
func (m *StateMachine) State() device.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the cause attached to the last transition into DISCONNECTED, if any.
func (m *StateMachine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsConnected returns whether operations are currently legal
func (m *StateMachine) IsConnected() bool {
	return m.State() == device.StateConnected
}

// Require fails with InvalidState unless the connection is CONNECTED.
func (m *StateMachine) Require(op string) error {
	if s := m.State(); s != device.StateConnected {
		return device.NewStateError(op, s)
	}
	return nil
}

// Connect moves DISCONNECTED to CONNECTING.
func (m *StateMachine) Connect() error {
	m.mu.Lock()
	if m.state != device.StateDisconnected {
		s := m.state
		m.mu.Unlock()
		return device.NewStateError("connect", s)
	}
	t := m.transitionLocked(device.StateConnecting, nil)
	m.mu.Unlock()

	m.notify(t)
	return nil
}

// BeginClose moves CONNECTED to DISCONNECTING and returns true when the caller
// must ask the bridge to close. Closing an already closed or closing connection
// is a no-op; closing while CONNECTING is InvalidState.
func (m *StateMachine) BeginClose() (bool, error) {
	m.mu.Lock()
	switch m.state {
	case device.StateConnected:
		t := m.transitionLocked(device.StateDisconnecting, nil)
		m.mu.Unlock()
		m.notify(t)
		return true, nil
	case device.StateConnecting:
		m.mu.Unlock()
		return false, device.NewStateError("close", device.StateConnecting)
	default:
		m.mu.Unlock()
		return false, nil
	}
}

// Apply feeds a bridge-reported state into the machine. Returns the applied
// transition and true, or false when the event was ignored.
func (m *StateMachine) Apply(ev device.StateEvent) (Transition, bool) {
	m.mu.Lock()
	from := m.state
	to, ok := next(from, ev.State)
	if !ok {
		conn := m.conn
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"conn":  conn,
			"state": from.String(),
			"event": ev.State.String(),
		}).Debug("Ignoring state event")
		return Transition{}, false
	}
	t := m.transitionLocked(to, ev.Err)
	m.mu.Unlock()

	m.notify(t)
	return t, true
}

// next is the event transition table.
func next(from, event device.ConnectionState) (device.ConnectionState, bool) {
	switch from {
	case device.StateConnecting:
		switch event {
		case device.StateConnected, device.StateDisconnected:
			return event, true
		}
	case device.StateConnected:
		switch event {
		case device.StateDisconnecting, device.StateDisconnected:
			return event, true
		}
	case device.StateDisconnecting:
		if event == device.StateDisconnected {
			return event, true
		}
	}
	return from, false
}

func (m *StateMachine) transitionLocked(to device.ConnectionState, err error) Transition {
	t := Transition{Conn: m.conn, From: m.state, To: to, Err: err}
	m.state = to
	if to == device.StateDisconnected {
		m.lastErr = err
	}

	entry := m.logger.WithFields(logrus.Fields{
		"conn": m.conn,
		"from": t.From.String(),
		"to":   t.To.String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Connection state changed")
	return t
}

func (m *StateMachine) notify(t Transition) {
	m.mu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, obs := range observers {
		obs(t)
	}
}
