package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gattkit",
		Short: "Bluetooth Low Energy GATT client",
		Long: `Bluetooth Low Energy (BLE) GATT client that provides:

- Scan for nearby peripherals, optionally filtered by advertised services
- Connect and discover the full service / characteristic / descriptor tree
- Read and write characteristics and descriptors
- Subscribe to characteristic notifications
- Read the link RSSI and reset the adapter

Use --adapter sim --profile <file.yaml> to run against simulated peripherals.`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("gattkit {{.Version}} (commit %s, built %s)\n", commit, date))

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Debug logging (ignored when --log-level is set)")
	flags.String("config", "", "YAML configuration file")
	flags.String("adapter", "", "Bluetooth adapter (goble, sim)")
	flags.String("profile", "", "Peripheral profile for the sim adapter")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(
		newScanCmd(),
		newInspectCmd(),
		newReadCmd(),
		newWriteCmd(),
		newSubscribeCmd(),
		newRSSICmd(),
		newResetCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
