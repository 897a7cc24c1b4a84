package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
)

type writeFlags struct {
	service         string
	desc            string
	text            bool
	withoutResponse bool
}

func newWriteCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <characteristic-uuid> <data>",
		Short: "Write a characteristic or descriptor value",
		Long: `Writes data to a characteristic, or to one of its descriptors with --desc.
Data is hex by default ("01 02", "01:02", "0x01 0x02" are all accepted); --text
sends it as UTF-8.

Examples:
  # Write two bytes
  gattkit write AA:BB:CC:DD:EE:FF 2a39 0102

  # Send a line over Nordic UART without waiting for a response
  gattkit write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello" --text --without-response

  # Enable notifications by hand
  gattkit write AA:BB:CC:DD:EE:FF 2a37 0100 --desc 2902`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args[0], args[1], args[2], f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (writes the descriptor instead of the characteristic)")
	cmd.Flags().BoolVar(&f.text, "text", false, "Treat data as UTF-8 text instead of hex")
	cmd.Flags().BoolVar(&f.withoutResponse, "without-response", false, "Write without response")
	return cmd
}

// parseWriteData decodes the data argument
func parseWriteData(data string, text bool) ([]byte, error) {
	if text {
		return device.ToUTF8(data), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(data)
	out, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return out, nil
}

// writeTypeFor picks the write type for chr, honouring --without-response
func writeTypeFor(chr *device.Characteristic, withoutResponse bool) (device.WriteType, error) {
	switch {
	case withoutResponse:
		if !chr.Properties.Has(device.PropWriteNoResponse) {
			return 0, fmt.Errorf("characteristic %s does not support write without response", device.ShortUUID(chr.UUID))
		}
		return device.WriteNoResponse, nil
	case chr.Properties.Has(device.PropWrite):
		return device.WriteDefault, nil
	case chr.Properties.Has(device.PropWriteNoResponse):
		return device.WriteNoResponse, nil
	}
	return 0, fmt.Errorf("characteristic %s is not writable", device.ShortUUID(chr.UUID))
}

func runWrite(cmd *cobra.Command, address, uuid, data string, f *writeFlags) error {
	payload, err := parseWriteData(data, f.text)
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

	progress := newProgressPrinter(os.Stderr, fmt.Sprintf("Writing %s on %s", uuid, address), "Connecting", "Processing")
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

	target := device.ShortUUID(chr.UUID)
	if desc != nil {
		target = device.ShortUUID(desc.UUID)
		_, err = await(ctx, sess.WriteDescriptor(desc.Handle, payload), a.cfg.OperationTimeout)
	} else {
		var wt device.WriteType
		if wt, err = writeTypeFor(chr, f.withoutResponse); err != nil {
			return err
		}
		_, err = await(ctx, sess.WriteCharacteristic(chr.Handle, payload, wt), a.cfg.OperationTimeout)
	}
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(payload), target)
	return nil
}
