package connection

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*StateMachine, *[]Transition) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	m := NewStateMachine(logger)
	m.SetConn(7)

	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })
	return m, &seen
}

func event(s device.ConnectionState) device.StateEvent {
	return device.StateEvent{Conn: 7, State: s}
}

func TestNewStateMachine(t *testing.T) {
	tests := []struct {
		name   string
		logger *logrus.Logger
	}{
		{name: "creates machine with provided logger", logger: logrus.New()},
		{name: "creates machine with nil logger", logger: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStateMachine(tt.logger)
			assert.NotNil(t, m.logger)
			assert.Equal(t, device.StateDisconnected, m.State(), "initial state MUST be DISCONNECTED")
			assert.False(t, m.IsConnected())
		})
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	// GOAL: Verify the full connect/close lifecycle and the observer stream
	//
	// TEST SCENARIO: connect → CONNECTED event → close → DISCONNECTED event → 4 transitions observed

	m, seen := newTestMachine(t)

	require.NoError(t, m.Connect())
	assert.Equal(t, device.StateConnecting, m.State())
	assert.ErrorIs(t, m.Require("read"), device.ErrInvalidState, "operations MUST be rejected while CONNECTING")

	_, ok := m.Apply(event(device.StateConnected))
	require.True(t, ok)
	assert.NoError(t, m.Require("read"))

	proceed, err := m.BeginClose()
	require.NoError(t, err)
	assert.True(t, proceed, "closing a CONNECTED connection MUST reach the bridge")
	assert.Equal(t, device.StateDisconnecting, m.State())
	assert.ErrorIs(t, m.Require("write"), device.ErrInvalidState)

	_, ok = m.Apply(event(device.StateDisconnected))
	require.True(t, ok)
	assert.Equal(t, device.StateDisconnected, m.State())

	want := []device.ConnectionState{
		device.StateConnecting, device.StateConnected, device.StateDisconnecting, device.StateDisconnected,
	}
	require.Len(t, *seen, len(want))
	for i, tr := range *seen {
		assert.Equal(t, want[i], tr.To)
		assert.Equal(t, device.ConnHandle(7), tr.Conn)
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	// GOAL: Verify every event against every state follows the transition table
	//
	// TEST SCENARIO: Put machine in a state → apply event → expected state and applied flag

	drive := map[device.ConnectionState]func(*StateMachine){
		device.StateDisconnected: func(*StateMachine) {},
		device.StateConnecting:   func(m *StateMachine) { _ = m.Connect() },
		device.StateConnected: func(m *StateMachine) {
			_ = m.Connect()
			m.Apply(event(device.StateConnected))
		},
		device.StateDisconnecting: func(m *StateMachine) {
			_ = m.Connect()
			m.Apply(event(device.StateConnected))
			_, _ = m.BeginClose()
		},
	}

	tests := []struct {
		name    string
		from    device.ConnectionState
		event   device.ConnectionState
		to      device.ConnectionState
		applied bool
	}{
		{"connect succeeds", device.StateConnecting, device.StateConnected, device.StateConnected, true},
		{"connect fails", device.StateConnecting, device.StateDisconnected, device.StateDisconnected, true},
		{"duplicate connecting", device.StateConnecting, device.StateConnecting, device.StateConnecting, false},
		{"link loss", device.StateConnected, device.StateDisconnected, device.StateDisconnected, true},
		{"remote disconnecting", device.StateConnected, device.StateDisconnecting, device.StateDisconnecting, true},
		{"duplicate connected", device.StateConnected, device.StateConnected, device.StateConnected, false},
		{"close confirmed", device.StateDisconnecting, device.StateDisconnected, device.StateDisconnected, true},
		{"late connected while closing", device.StateDisconnecting, device.StateConnected, device.StateDisconnecting, false},
		{"second disconnected", device.StateDisconnected, device.StateDisconnected, device.StateDisconnected, false},
		{"late connected after disconnect", device.StateDisconnected, device.StateConnected, device.StateDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t)
			drive[tt.from](m)
			require.Equal(t, tt.from, m.State())

			_, applied := m.Apply(event(tt.event))
			assert.Equal(t, tt.applied, applied)
			assert.Equal(t, tt.to, m.State())
		})
	}
}

func TestStateMachine_Close(t *testing.T) {
	t.Run("close while disconnected is a no-op", func(t *testing.T) {
		m, seen := newTestMachine(t)
		proceed, err := m.BeginClose()
		assert.NoError(t, err)
		assert.False(t, proceed)
		assert.Empty(t, *seen)
	})

	t.Run("close while connecting is rejected", func(t *testing.T) {
		m, _ := newTestMachine(t)
		require.NoError(t, m.Connect())
		_, err := m.BeginClose()
		assert.ErrorIs(t, err, device.ErrInvalidState)
		assert.Equal(t, device.StateConnecting, m.State())
	})

	t.Run("close while closing is a no-op", func(t *testing.T) {
		m, _ := newTestMachine(t)
		require.NoError(t, m.Connect())
		m.Apply(event(device.StateConnected))
		_, _ = m.BeginClose()

		proceed, err := m.BeginClose()
		assert.NoError(t, err)
		assert.False(t, proceed, "second close MUST NOT reach the bridge again")
	})
}

func TestStateMachine_ConnectRejectedUnlessDisconnected(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.Connect())
	assert.ErrorIs(t, m.Connect(), device.ErrInvalidState)
}

func TestStateMachine_KeepsDisconnectCause(t *testing.T) {
	m, seen := newTestMachine(t)
	require.NoError(t, m.Connect())
	m.Apply(event(device.StateConnected))

	lost := errors.New("supervision timeout")
	m.Apply(device.StateEvent{Conn: 7, State: device.StateDisconnected, Err: lost})

	assert.ErrorIs(t, m.Err(), lost)
	last := (*seen)[len(*seen)-1]
	assert.ErrorIs(t, last.Err, lost)
}
