package main

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/srg/gattkit/pkg/config"
)

// CommandTestSuite runs commands against the suite's simulated bridge.
// All cmd/gattkit suites embed it.
type CommandTestSuite struct {
	testutils.SimPeripheralSuite
	originalFactory func(*config.Config, *logrus.Logger) (bridge.Bridge, error)
}

// SetupTest points bridgeFactory at the simulated bridge. Suites with a custom
// profile configure it first and call this last.
func (s *CommandTestSuite) SetupTest() {
	s.BridgeOptions.ConfirmClose = true
	s.SimPeripheralSuite.SetupTest()

	s.originalFactory = bridgeFactory
	bridgeFactory = func(*config.Config, *logrus.Logger) (bridge.Bridge, error) {
		return s.BridgeFactory()()
	}
}

func (s *CommandTestSuite) TearDownTest() {
	bridgeFactory = s.originalFactory
	s.SimPeripheralSuite.TearDownTest()
}

// ExecuteCommand runs the command line args, returns output and error
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return buf.String(), err
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
