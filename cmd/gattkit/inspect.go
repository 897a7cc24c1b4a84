package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
)

type inspectFlags struct {
	values bool
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics, and descriptors of a BLE device",
		Long: `Connects to a BLE device by address and discovers its full attribute tree:
services, characteristics and descriptors in the order the peripheral reports them.

Examples:
  # Print the tree
  gattkit inspect AA:BB:CC:DD:EE:FF

  # Include values of readable characteristics, as JSON
  gattkit inspect AA:BB:CC:DD:EE:FF --values --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], f)
		},
	}

	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&f.values, "values", false, "Read readable characteristics")
	return cmd
}

func runInspect(cmd *cobra.Command, address string, f *inspectFlags) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := newProgressPrinter(os.Stderr, fmt.Sprintf("Inspecting device %s", address), "Connecting", "Processing")
	progress.Start()
	defer progress.Stop()

	sess, tree, err := a.connectAndDiscover(ctx, address, progress.Callback())
	if err != nil {
		return err
	}

	values := make(map[device.Handle][]byte)
	if f.values {
		for _, svc := range tree.Services {
			for _, chr := range svc.Characteristics {
				if !chr.Properties.Has(device.PropRead) {
					continue
				}
				v, err := await(ctx, sess.ReadCharacteristic(chr.Handle), a.cfg.OperationTimeout)
				if err != nil {
					a.logger.WithError(err).WithField("uuid", chr.UUID).Warn("Characteristic read failed")
					continue
				}
				values[chr.Handle] = v
			}
		}
	}
	progress.Stop()

	out := cmd.OutOrStdout()
	if a.cfg.OutputFormat == "json" {
		return writeJSON(out, treeDocument(address, tree, values))
	}
	printTree(out, address, tree, values, isTerminal(out))
	return nil
}
