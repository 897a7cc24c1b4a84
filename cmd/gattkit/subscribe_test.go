package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SubscribeTestSuite struct {
	CommandTestSuite
}

// runAsync executes args in the background; the result arrives on the channel
func (s *SubscribeTestSuite) runAsync(args ...string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteCommand(args...)
		done <- err
	}()
	return done
}

// notifyUntil keeps emitting value on the battery level characteristic of the
// command's connection until done fires
func (s *SubscribeTestSuite) notifyUntil(done <-chan error, value []byte) error {
	var result error
	s.Require().Eventually(func() bool {
		select {
		case result = <-done:
			return true
		default:
		}
		for _, conn := range s.Bridge.Connections() {
			if h, ok := s.Bridge.Handle(conn, "2a19", ""); ok {
				_ = s.Bridge.Notify(conn, h, value)
			}
		}
		return false
	}, s.TestTimeout, 20*time.Millisecond, "subscribe MUST finish")
	return result
}

func (s *SubscribeTestSuite) TestSubscribeCount() {
	// GOAL: Verify subscribe prints each notification and stops after --count
	//
	// TEST SCENARIO: Peripheral notifies repeatedly → two lines printed → notification disabled

	var out string
	done := make(chan error, 1)
	go func() {
		var err error
		out, err = s.ExecuteCommand("subscribe", testutils.DefaultPeripheralAddress, "2a19", "--count", "2")
		done <- err
	}()

	s.Require().NoError(s.notifyUntil(done, []byte{0x2a}), "subscribe MUST succeed")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 2, "exactly --count notifications MUST be printed:\n%s", out)
	for _, line := range lines {
		s.Regexp(`^#\d+ 2A  "\*"$`, line)
	}
	s.Equal(1, s.Bridge.CountCalls("enable_notification"))
	s.Equal(1, s.Bridge.CountCalls("disable_notification"), "subscription MUST be disabled on exit")
}

func (s *SubscribeTestSuite) TestSubscribeDuration() {
	// GOAL: Verify subscribe ends cleanly when --duration elapses without values
	//
	// TEST SCENARIO: No notifications, 100ms duration → no output, no error

	out, err := s.ExecuteCommand("subscribe", testutils.DefaultPeripheralAddress, "2a19", "--duration", "100ms")
	s.Require().NoError(err)
	s.Empty(strings.TrimSpace(out))
}

func (s *SubscribeTestSuite) TestSubscribeConnectionLost() {
	// GOAL: Verify a remote disconnect ends the command with ErrConnectionLost
	//
	// TEST SCENARIO: Subscribe → peripheral drops the link → command fails with connection lost

	done := s.runAsync("subscribe", testutils.DefaultPeripheralAddress, "2a19")

	s.Require().Eventually(func() bool {
		return s.Bridge.CountCalls("enable_notification") == 1
	}, s.TestTimeout, 10*time.Millisecond)
	for _, conn := range s.Bridge.Connections() {
		s.Require().NoError(s.Bridge.Disconnect(conn, &device.BridgeError{Op: "link", Code: device.CodeNotConnected, Message: "link lost"}))
	}

	select {
	case err := <-done:
		s.Require().ErrorIs(err, ErrConnectionLost)
	case <-time.After(s.TestTimeout):
		s.Fail("subscribe MUST end when the link drops")
	}
}

func (s *SubscribeTestSuite) TestSubscribeJSON() {
	// GOAL: Verify JSON lines output
	//
	// TEST SCENARIO: --format json --count 1 → one object with uuid, handle and hex value

	var out string
	done := make(chan error, 1)
	go func() {
		var err error
		out, err = s.ExecuteCommand("subscribe", testutils.DefaultPeripheralAddress, "2a19", "--count", "1", "--format", "json")
		done <- err
	}()
	s.Require().NoError(s.notifyUntil(done, []byte{0x10}))

	testutils.NewJSONAsserter(s.T()).Assert(out, `{"uuid": "2a19", "handle": 2, "seq": "<<PRESENCE>>", "ts_us": "<<PRESENCE>>", "value": "10"}`)
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}
