package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/bridge/goble"
	"github.com/srg/gattkit/internal/bridge/sim"
	"github.com/srg/gattkit/pkg/config"
)

// bridgeFactory opens the adapter selected by the configuration. Tests swap it
// for a simulated bridge they control.
var bridgeFactory = func(cfg *config.Config, logger *logrus.Logger) (bridge.Bridge, error) {
	switch cfg.Adapter {
	case config.AdapterSim:
		profile, err := sim.LoadProfile(cfg.Profile)
		if err != nil {
			return nil, err
		}
		return sim.New(profile, nil, sim.Options{ConfirmClose: true}, logger), nil
	case config.AdapterGoBLE:
		return goble.New(goble.Options{ConnectTimeout: cfg.ConnectTimeout}, logger), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}
