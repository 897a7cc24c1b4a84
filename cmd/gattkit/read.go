package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type readFlags struct {
	service string
	desc    string
	hex     bool
	text    bool
}

// valueFormatFlags picks the output format from --hex / --text
func valueFormatFlags(hex, text bool) (valueFormat, error) {
	switch {
	case hex && text:
		return 0, fmt.Errorf("--hex and --text are mutually exclusive")
	case hex:
		return formatHex, nil
	case text:
		return formatText, nil
	}
	return formatAuto, nil
}

func newReadCmd() *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <characteristic-uuid>",
		Short: "Read a characteristic or descriptor value",
		Long: `Reads the value of a characteristic, or of one of its descriptors with --desc.

Examples:
  # Read Battery Level
  gattkit read AA:BB:CC:DD:EE:FF 2a19

  # Disambiguate a characteristic present in several services
  gattkit read AA:BB:CC:DD:EE:FF 2a37 --service 180d

  # Read the Client Characteristic Configuration descriptor as hex
  gattkit read AA:BB:CC:DD:EE:FF 2a37 --desc 2902 --hex`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], args[1], f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (reads the descriptor instead of the characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as a hex string (e.g. 'FF01')")
	cmd.Flags().BoolVar(&f.text, "text", false, "Output as UTF-8 text")
	return cmd
}

func runRead(cmd *cobra.Command, address, uuid string, f *readFlags) error {
	format, err := valueFormatFlags(f.hex, f.text)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := newProgressPrinter(os.Stderr, fmt.Sprintf("Reading %s from %s", uuid, address), "Connecting", "Processing")
	progress.Start()
	defer progress.Stop()

	sess, tree, err := a.connectAndDiscover(ctx, address, progress.Callback())
	if err != nil {
		return err
	}
	chr, desc, err := resolveTarget(tree, uuid, f.service, f.desc)
	if err != nil {
		return err
	}

	var value []byte
	if desc != nil {
		value, err = await(ctx, sess.ReadDescriptor(desc.Handle), a.cfg.OperationTimeout)
	} else {
		value, err = await(ctx, sess.ReadCharacteristic(chr.Handle), a.cfg.OperationTimeout)
	}
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatValue(value, format))
	return nil
}
