package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/bridge/sim"
	"github.com/srg/gattkit/pkg/central"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralAddress is the address of the default simulated peripheral
const DefaultPeripheralAddress = "AA:BB:CC:DD:EE:FF"

// SimPeripheralSuite provides a reusable test suite backed by a simulated bridge.
//
// Basic usage (default battery service peripheral):
//
//	type SimpleSuite struct {
//	    testutils.SimPeripheralSuite
//	}
//
// Custom profile usage:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithDevice("AA:BB:CC:DD:EE:FF", "HRM").
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.SimPeripheralSuite.SetupTest() // call parent last to apply configuration
//	}
type SimPeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	// Configuration, applied by SetupTest and reset after every test
	PeripheralBuilder *ProfileBuilder
	BridgeOptions     sim.Options
	Scheduler         sim.Scheduler

	Bridge  *sim.Bridge
	Central *central.Central
}

// SetupSuite runs once before all tests in the suite
func (s *SimPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest builds the simulated bridge and a central over it
func (s *SimPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultProfileBuilder()
	}
	s.Bridge = sim.New(s.PeripheralBuilder.Build(), s.Scheduler, s.BridgeOptions, s.Logger)
	s.Central = central.New(s.Bridge, central.Options{Logger: s.Logger})
}

// TearDownTest closes every session left open and resets the configuration
func (s *SimPeripheralSuite) TearDownTest() {
	if s.Central != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
		if err := s.Central.Shutdown(ctx); err != nil {
			s.Logger.WithField("error", err).Warn("Central shutdown incomplete")
		}
		cancel()
	}
	s.PeripheralBuilder = nil
	s.BridgeOptions = sim.Options{}
	s.Scheduler = nil
}

// WithPeripheral returns the profile builder for configuring the simulated environment
func (s *SimPeripheralSuite) WithPeripheral() *ProfileBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewProfileBuilder()
	}
	return s.PeripheralBuilder
}

// BridgeFactory returns a factory handing out the suite's bridge
func (s *SimPeripheralSuite) BridgeFactory() bridge.Factory {
	return func() (bridge.Bridge, error) { return s.Bridge, nil }
}

// Connect opens a session and waits until it is CONNECTED
func (s *SimPeripheralSuite) Connect(address string) *central.Session {
	sess, err := s.Central.Connect(address)
	s.Require().NoError(err)
	_, err = Await(s.T(), sess.Connected(), s.TestTimeout)
	s.Require().NoError(err, "connect to %s MUST succeed", address)
	return sess
}

// ConnectAndDiscover opens a session and discovers its attribute tree
func (s *SimPeripheralSuite) ConnectAndDiscover(address string) (*central.Session, *central.Tree) {
	sess := s.Connect(address)
	tree, err := Await(s.T(), sess.DiscoverAll(), s.TestTimeout)
	s.Require().NoError(err, "discovery MUST succeed")
	return sess, tree
}

// createDefaultProfileBuilder describes one peripheral with the Battery Service (180F)
// and a Battery Level characteristic (2A19) at 50%.
func createDefaultProfileBuilder() *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
	{
		"devices": [
			{
				"address": %q,
				"name": "Battery",
				"rssi": -50,
				"advertise": ["180F"],
				"services": [
					{
						"uuid": "180F",
						"characteristics": [
							{ "uuid": "2A19", "properties": "read,notify", "value": "32",
							  "descriptors": [ { "uuid": "2902", "value": "0000" } ] }
						]
					}
				]
			}
		]
	}`, DefaultPeripheralAddress)
}
