package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the Bluetooth adapter",
		Long: `Drops every connection the adapter holds and returns it to its initial state.
Use it to recover from connections left behind by an interrupted run.`,
		Args: cobra.NoArgs,
		RunE: runReset,
	}
}

func runReset(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if _, err := await(ctx, a.central.Reset(), a.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("adapter reset failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Adapter reset")
	return nil
}
