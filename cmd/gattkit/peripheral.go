package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/pkg/central"
	"github.com/srg/gattkit/pkg/config"
)

// app is what every command needs: configuration, logger and a central
// over the configured adapter
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central *central.Central
}

// newApp loads the configuration and opens the adapter
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	br, err := bridgeFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s adapter: %w", cfg.Adapter, err)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		central: central.New(br, central.Options{
			Logger:              logger,
			CloseConfirmTimeout: cfg.CloseConfirmTimeout,
		}),
	}, nil
}

// connect opens a session to address and waits until it is CONNECTED
func (a *app) connect(ctx context.Context, address string) (*central.Session, error) {
	sess, err := a.central.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if _, err := await(ctx, sess.Connected(), a.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return sess, nil
}

// connectAndDiscover connects and discovers the attribute tree, reporting the
// phase to progress
func (a *app) connectAndDiscover(ctx context.Context, address string, progress func(string)) (*central.Session, *central.Tree, error) {
	progress("Connecting")
	sess, err := a.connect(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	progress("Discovering")
	tree, err := await(ctx, sess.DiscoverAll(), a.cfg.OperationTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("service discovery failed: %w", err)
	}
	progress("Processing")
	return sess, tree, nil
}

// close tears down every session the command opened
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CloseConfirmTimeout+time.Second)
	defer cancel()
	if err := a.central.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Disconnect incomplete")
	}
}

// await waits for f with an optional timeout; zero waits on ctx alone
func await[T any](ctx context.Context, f *dispatch.Future[T], timeout time.Duration) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.Wait(ctx)
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
