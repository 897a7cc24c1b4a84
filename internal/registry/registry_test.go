package registry_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/registry"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite

	reg *registry.Registry
	svc *device.Service
	chr *device.Characteristic
	dsc *device.Descriptor
}

func (s *RegistryTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s.reg = registry.New(1, logger)

	s.svc = &device.Service{Handle: 1, UUID: device.MustNormalizeUUID("180d")}
	s.chr = &device.Characteristic{Handle: 2, UUID: device.MustNormalizeUUID("2a37"), Properties: device.PropNotify}
	s.dsc = &device.Descriptor{Handle: 3, UUID: device.MustNormalizeUUID("2902")}
}

func (s *RegistryTestSuite) registerTree() {
	_, err := s.reg.Register(device.RootHandle, s.svc)
	s.Require().NoError(err)
	_, err = s.reg.Register(s.svc.Handle, s.chr)
	s.Require().NoError(err)
	_, err = s.reg.Register(s.chr.Handle, s.dsc)
	s.Require().NoError(err)
}

func (s *RegistryTestSuite) TestRegisterAndResolve() {
	// GOAL: Verify nodes registered along a strict tree resolve back to the same node
	//
	// TEST SCENARIO: Register service → characteristic → descriptor → resolve each → same pointers

	s.registerTree()

	n, err := s.reg.Resolve(2)
	s.Require().NoError(err)
	s.Same(s.chr, n)

	c, err := s.reg.Characteristic(2)
	s.Require().NoError(err)
	s.Same(s.chr, c)

	d, err := s.reg.Descriptor(3)
	s.Require().NoError(err)
	s.Same(s.dsc, d)

	parent, err := s.reg.Parent(3)
	s.Require().NoError(err)
	s.Equal(device.Handle(2), parent)
	s.Equal(3, s.reg.Len())
}

func (s *RegistryTestSuite) TestRegister_RejectsBrokenTree() {
	// GOAL: Verify the registry refuses anything that would break the strict hierarchy
	//
	// TEST SCENARIO: Wrong parent kinds, unknown parents, reserved and duplicate handles → errors

	_, err := s.reg.Register(5, s.svc)
	s.Error(err, "service MUST hang off the connection root")

	_, err = s.reg.Register(9, s.chr)
	s.ErrorIs(err, device.ErrUnknownHandle, "unknown parent MUST be reported as UnknownHandle")

	_, err = s.reg.Register(device.RootHandle, s.svc)
	s.Require().NoError(err)

	_, err = s.reg.Register(s.svc.Handle, s.dsc)
	s.Error(err, "descriptor MUST NOT hang off a service")

	_, err = s.reg.Register(device.RootHandle, &device.Service{Handle: 1, UUID: "dup"})
	s.ErrorContains(err, "already in use")

	_, err = s.reg.Register(device.RootHandle, &device.Service{Handle: 0})
	s.ErrorContains(err, "reserved")

	_, err = s.reg.Register(device.RootHandle, nil)
	s.Error(err)
}

func (s *RegistryTestSuite) TestRegister_RediscoveryRefreshesNode() {
	s.registerTree()

	again := &device.Characteristic{Handle: 2, UUID: s.chr.UUID, Properties: device.PropRead}
	_, err := s.reg.Register(s.svc.Handle, again)
	s.Require().NoError(err, "same handle, kind, parent and UUID MUST be accepted")

	c, err := s.reg.Characteristic(2)
	s.Require().NoError(err)
	s.Same(again, c, "cached node MUST be the latest one")

	_, err = s.reg.Register(s.svc.Handle, &device.Characteristic{Handle: 2, UUID: device.MustNormalizeUUID("2a38")})
	s.Error(err, "a different attribute on a used handle MUST be rejected")
}

func (s *RegistryTestSuite) TestResolve_UnknownAndWrongKind() {
	s.registerTree()

	_, err := s.reg.Resolve(77)
	s.ErrorIs(err, device.ErrUnknownHandle)

	_, err = s.reg.Characteristic(3)
	s.ErrorIs(err, device.ErrUnknownHandle, "descriptor handle MUST NOT resolve as a characteristic")

	_, err = s.reg.Descriptor(1)
	s.ErrorIs(err, device.ErrUnknownHandle)
}

func (s *RegistryTestSuite) TestReleaseAll() {
	// GOAL: Verify handles are invalidated on release and never honoured again
	//
	// TEST SCENARIO: Register tree → ReleaseAll → every lookup fails → registering again fails

	s.registerTree()

	s.Equal(3, s.reg.ReleaseAll())
	s.True(s.reg.Released())
	s.Equal(0, s.reg.Len())
	s.Equal(0, s.reg.ReleaseAll(), "second release MUST be a no-op")

	for _, h := range []device.Handle{1, 2, 3} {
		_, err := s.reg.Resolve(h)
		s.ErrorIs(err, device.ErrUnknownHandle, "handle %d MUST be unknown after release", h)
		_, err = s.reg.Parent(h)
		s.ErrorIs(err, device.ErrUnknownHandle)
	}

	_, err := s.reg.Register(device.RootHandle, &device.Service{Handle: 1})
	s.ErrorIs(err, device.ErrInvalidState, "released registry MUST NOT accept new nodes")

	fresh := registry.New(1, nil)
	_, err = fresh.Register(device.RootHandle, &device.Service{Handle: 1})
	s.NoError(err, "a new connection MAY reuse the same numeric handles")
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
