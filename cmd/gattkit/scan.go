package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/scanner"
)

type scanFlags struct {
	duration  time.Duration
	services  []string
	allowList []string
	blockList []string
	watch     bool
	refresh   time.Duration
}

// clearScreenSequence moves the cursor home and clears the terminal
const clearScreenSequence = "\033[H\033[2J"


func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their name, address, RSSI, connectability
and advertised services. Ctrl+C ends the scan early and prints what was found.

Examples:
  # Scan for 5 seconds
  gattkit scan --duration 5s

  # Only devices advertising the Heart Rate service, as JSON
  gattkit scan --services 180d --format json

  # Keep scanning and refresh the table every 2 seconds until Ctrl+C
  gattkit scan --watch --refresh 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default: scan_timeout from the configuration)")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by advertised service UUIDs")
	cmd.Flags().StringSliceVar(&f.allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.blockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Refresh the table as devices report, until --duration or Ctrl+C")
	cmd.Flags().DurationVar(&f.refresh, "refresh", time.Second, "Table refresh interval in watch mode")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := &scanner.Options{
		Duration:     a.cfg.ScanTimeout,
		ServiceUUIDs: f.services,
		AllowList:    f.allowList,
		BlockList:    f.blockList,
		BufferSize:   a.cfg.ScanBuffer,
	}
	if f.duration > 0 {
		opts.Duration = f.duration
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if f.watch {
		if a.cfg.OutputFormat == "json" {
			return errors.New("--watch prints a table; it cannot be combined with --format json")
		}
		if f.duration == 0 {
			opts.Duration = 0
		}
		return runWatch(ctx, cmd.OutOrStdout(), scanner.New(a.central, a.logger), opts, f.refresh, a.logger)
	}

	progress := newCountdownProgressPrinter(os.Stderr, "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	s := scanner.New(a.central, a.logger)
	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	list := sortedDevices(devices)
	if a.cfg.OutputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), list)
	}
	return displayDevicesTable(cmd.OutOrStdout(), list, time.Now())
}

// runWatch scans until ctx ends or opts.Duration elapses, reprinting the table
// whenever the buffered scan events bring news
func runWatch(ctx context.Context, out io.Writer, s *scanner.Scanner, opts *scanner.Options, refresh time.Duration, logger *logrus.Logger) error {
	clearScreen := isTerminal(out)
	seen := make(map[string]device.Device)

	opts.WatchInterval = refresh
	opts.Watch = func(events []scanner.Event) {
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			seen[ev.Device.Address] = ev.Device
		}
		if clearScreen {
			fmt.Fprint(out, clearScreenSequence)
		}
		if err := displayDevicesTable(out, sortedDevices(seen), time.Now()); err != nil {
			logger.WithError(err).Warn("Failed to print device table")
		}
	}

	if _, err := s.Scan(ctx, opts, nil); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if n := s.Overwritten(); n > 0 {
		logger.WithField("dropped", n).Warn("Scan reports arrived faster than the table refreshed")
	}
	if len(seen) == 0 {
		return displayDevicesTable(out, nil, time.Now())
	}
	return nil
}
