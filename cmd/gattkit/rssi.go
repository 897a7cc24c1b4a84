package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRSSICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rssi <device-address>",
		Short: "Read the signal strength of a connection",
		Long: `Connects to a BLE device and prints the RSSI of the link in dBm.

Example:
  gattkit rssi AA:BB:CC:DD:EE:FF`,
		Args: cobra.ExactArgs(1),
		RunE: runRSSI,
	}
}

func runRSSI(cmd *cobra.Command, args []string) error {
	address := args[0]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := newProgressPrinter(os.Stderr, fmt.Sprintf("Reading RSSI of %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()

	sess, err := a.connect(ctx, address)
	if err != nil {
		return err
	}
	rssi, err := await(ctx, sess.RSSI(), a.cfg.OperationTimeout)
	if err != nil {
		return fmt.Errorf("failed to read RSSI: %w", err)
	}
	progress.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "RSSI: %d dBm\n", rssi)
	return nil
}
