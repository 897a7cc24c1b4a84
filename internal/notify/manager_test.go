package notify_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/notify"
	"github.com/stretchr/testify/suite"
)

type ManagerTestSuite struct {
	suite.Suite

	hook *test.Hook
	mgr  *notify.Manager
}

func (s *ManagerTestSuite) SetupTest() {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s.hook = hook
	s.mgr = notify.NewManager(3, logger)
}

func value(h device.Handle, b ...byte) device.Notification {
	return device.Notification{Conn: 3, Handle: h, Data: b}
}

func (s *ManagerTestSuite) TestRouting_InOrder() {
	// GOAL: Verify events for a subscribed characteristic reach its sink in delivery order
	//
	// TEST SCENARIO: Enable X → deliver two events for X → sink sees both in order

	var got [][]byte
	s.Require().NoError(s.mgr.Enable(10, func(n device.Notification) { got = append(got, n.Data) }))

	s.True(s.mgr.Route(value(10, 1)))
	s.True(s.mgr.Route(value(10, 2)))

	s.Equal([][]byte{{1}, {2}}, got, "events MUST arrive in delivery order")
	routed, dropped := s.mgr.Stats()
	s.Equal(uint64(2), routed)
	s.Zero(dropped)
}

func (s *ManagerTestSuite) TestRouting_UnregisteredHandleDropped() {
	// GOAL: Verify an event for a handle with no sink is dropped, logged and never delivered
	//
	// TEST SCENARIO: Enable X → deliver event for Y → X's sink not invoked → warning logged

	calls := 0
	s.Require().NoError(s.mgr.Enable(10, func(device.Notification) { calls++ }))

	s.False(s.mgr.Route(value(11, 9)))
	s.Zero(calls, "sink of another handle MUST NOT be invoked")

	_, dropped := s.mgr.Stats()
	s.Equal(uint64(1), dropped)
	s.Require().NotNil(s.hook.LastEntry())
	s.Equal(logrus.WarnLevel, s.hook.LastEntry().Level)
	s.Equal(device.Handle(11), s.hook.LastEntry().Data["handle"])
}

func (s *ManagerTestSuite) TestEnable_RejectsDuplicate() {
	first, second := 0, 0
	s.Require().NoError(s.mgr.Enable(10, func(device.Notification) { first++ }))

	err := s.mgr.Enable(10, func(device.Notification) { second++ })
	s.ErrorIs(err, device.ErrAlreadySubscribed)

	s.mgr.Route(value(10))
	s.Equal(1, first, "original sink MUST be kept")
	s.Zero(second)

	s.Error(s.mgr.Enable(12, nil), "nil sink MUST be rejected")
}

func (s *ManagerTestSuite) TestDisable() {
	s.ErrorIs(s.mgr.Disable(10), device.ErrNotSubscribed)

	s.Require().NoError(s.mgr.Enable(10, func(device.Notification) {}))
	s.True(s.mgr.Active(10))
	s.NoError(s.mgr.Disable(10))
	s.False(s.mgr.Active(10))
	s.False(s.mgr.Route(value(10)), "events after Disable MUST be dropped")

	s.NoError(s.mgr.Enable(10, func(device.Notification) {}), "re-enable after disable MUST succeed")
}

func (s *ManagerTestSuite) TestClear() {
	for _, h := range []device.Handle{30, 10, 20} {
		s.Require().NoError(s.mgr.Enable(h, func(device.Notification) {}))
	}
	s.Equal([]device.Handle{10, 20, 30}, s.mgr.Handles())
	s.Equal(3, s.mgr.Clear())
	s.Empty(s.mgr.Handles())
}

func (s *ManagerTestSuite) TestPanickingSinkIsContained() {
	s.Require().NoError(s.mgr.Enable(10, func(device.Notification) { panic("bad sink") }))

	s.NotPanics(func() { s.mgr.Route(value(10, 1)) })
	s.Equal(logrus.ErrorLevel, s.hook.LastEntry().Level)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
