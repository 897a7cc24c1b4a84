package central

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/gattkit/internal/bridge/sim"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Closed().Wait(ctx)
	require.NoError(t, err, "session MUST tear down")
}

func TestSessionTable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	profile := &sim.Profile{Devices: []sim.DeviceConfig{
		{Address: "AA:BB:CC:DD:EE:01", Name: "alpha"},
		{Address: "AA:BB:CC:DD:EE:02", Name: "bravo"},
		{Address: "AA:BB:CC:DD:EE:03", Fail: sim.Failures{"connect": "page timeout"}},
	}}

	t.Run("teardown before record keeps the session out", func(t *testing.T) {
		// GOAL: Verify a session torn down before Connect records it never shows up as live
		//
		// TEST SCENARIO: Connect fails and tears down first, record runs afterwards → no live session, no leftovers
		br := sim.New(profile, sim.NewAsyncScheduler(0), sim.Options{}, logger)
		c := New(br, Options{Logger: logger})

		s, err := session.Open(br, "AA:BB:CC:DD:EE:03", session.Options{Logger: logger, OnTeardown: c.detach})
		require.NoError(t, err)
		waitClosed(t, s)

		c.record(s)
		assert.Empty(t, c.Sessions(), "dead session MUST NOT be listed")
		assert.Empty(t, c.detached, "record MUST consume the teardown marker")
	})

	t.Run("record before teardown removes the session", func(t *testing.T) {
		br := sim.New(profile, sim.NewAsyncScheduler(0), sim.Options{}, logger)
		c := New(br, Options{Logger: logger})

		s, err := session.Open(br, "AA:BB:CC:DD:EE:03", session.Options{Logger: logger, OnTeardown: c.detach})
		require.NoError(t, err)
		c.record(s)
		waitClosed(t, s)

		assert.Empty(t, c.Sessions())
		assert.Empty(t, c.detached)
	})

	t.Run("superseded session leaves no marker", func(t *testing.T) {
		// GOAL: Verify replacing a session on a reused handle cleans up after the old one
		//
		// TEST SCENARIO: Bridge frees A's number without confirming, B gets it → A torn down, only B listed, no markers left
		br := sim.New(profile, sim.NewAsyncScheduler(0), sim.Options{ReuseConnHandles: true}, logger)
		c := New(br, Options{Logger: logger, CloseConfirmTimeout: time.Minute})

		a, err := c.Connect("AA:BB:CC:DD:EE:01")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return a.State() == device.StateConnected }, 2*time.Second, time.Millisecond)
		a.Close()
		require.Eventually(t, func() bool { return len(br.Connections()) == 0 }, 2*time.Second, time.Millisecond)

		b, err := c.Connect("AA:BB:CC:DD:EE:02")
		require.NoError(t, err)
		require.Equal(t, a.Conn(), b.Conn(), "bridge MUST have reused the connection number")
		waitClosed(t, a)

		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Empty(t, c.superseded, "old session's teardown MUST consume its marker")
		assert.Empty(t, c.detached, "old session MUST NOT be mistaken for an unrecorded one")
		got, ok := c.sessions.Get(b.Conn())
		require.True(t, ok)
		assert.Same(t, b, got)
	})
}
