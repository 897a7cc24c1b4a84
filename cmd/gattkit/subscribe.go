package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/central"
)

type subscribeFlags struct {
	service  string
	duration time.Duration
	count    int
	hex      bool
	text     bool
}

// notificationBuffer bounds the notifications queued for printing
const notificationBuffer = 256

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <characteristic-uuid>",
		Short: "Print characteristic notifications",
		Long: `Enables notifications (or indications) on a characteristic and prints every
value as it arrives, until --duration elapses, --count values were received or
Ctrl+C is pressed.

Examples:
  # Heart rate for 30 seconds
  gattkit subscribe AA:BB:CC:DD:EE:FF 2a37 --duration 30s

  # First 10 values as JSON lines
  gattkit subscribe AA:BB:CC:DD:EE:FF 2a37 --count 10 --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args[0], args[1], f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "Stop after this many notifications (0 for no limit)")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Print values as hex strings")
	cmd.Flags().BoolVar(&f.text, "text", false, "Print values as UTF-8 text")
	return cmd
}

func runSubscribe(cmd *cobra.Command, address, uuid string, f *subscribeFlags) error {
	format, err := valueFormatFlags(f.hex, f.text)
	if err != nil {
		return err
	}
	if f.count < 0 {
		return fmt.Errorf("--count must not be negative")
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

	progress := newProgressPrinter(os.Stderr, fmt.Sprintf("Subscribing to %s on %s", uuid, address), "Connecting", "Processing")
	progress.Start()
	defer progress.Stop()

	sess, tree, err := a.connectAndDiscover(ctx, address, progress.Callback())
	if err != nil {
		return err
	}
	chr, _, err := resolveTarget(tree, uuid, f.service, "")
	if err != nil {
		return err
	}
	if !chr.Properties.CanNotify() {
		return fmt.Errorf("characteristic %s supports neither notify nor indicate", device.ShortUUID(chr.UUID))
	}

	values := make(chan device.Notification, notificationBuffer)
	sink := func(n device.Notification) {
		select {
		case values <- n:
		default:
			a.logger.WithFields(logrus.Fields{
				"handle": n.Handle,
				"seq":    n.Seq,
			}).Warn("Output too slow, notification dropped")
		}
	}
	if _, err := await(ctx, sess.EnableNotification(chr.Handle, sink), a.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	var deadline <-chan time.Time
	if f.duration > 0 {
		timer := time.NewTimer(f.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	out := cmd.OutOrStdout()
	printer := notificationPrinter(out, chr, format, a.cfg.OutputFormat == "json")
	received := 0
	for {
		select {
		case n := <-values:
			if err := printer(n); err != nil {
				return err
			}
			received++
			if f.count > 0 && received >= f.count {
				return unsubscribe(cmd, a, sess, chr.Handle)
			}
		case <-deadline:
			return unsubscribe(cmd, a, sess, chr.Handle)
		case <-sess.Closed().Done():
			return ErrConnectionLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// unsubscribe disables the notification while the link is still up
func unsubscribe(cmd *cobra.Command, a *app, sess *central.Session, h device.Handle) error {
	_, err := await(cmd.Context(), sess.DisableNotification(h), a.cfg.OperationTimeout)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to unsubscribe")
	}
	return nil
}

// notificationPrinter returns a function printing one notification per line
func notificationPrinter(w io.Writer, chr *device.Characteristic, format valueFormat, asJSON bool) func(device.Notification) error {
	if asJSON {
		return func(n device.Notification) error {
			return json.NewEncoder(w).Encode(map[string]any{
				"uuid":   device.ShortUUID(chr.UUID),
				"handle": n.Handle,
				"seq":    n.Seq,
				"ts_us":  n.TsUs,
				"value":  strings.ToUpper(hex.EncodeToString(n.Data)),
			})
		}
	}
	return func(n device.Notification) error {
		_, err := fmt.Fprintf(w, "#%d %s\n", n.Seq, formatValue(n.Data, format))
		return err
	}
}
