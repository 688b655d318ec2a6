package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/client"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	UpOnly   bool
	DownOnly bool
	Full     bool
	Watch    bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange queued scans and attendee updates with the server",
		Long: `Exchange queued scans and attendee updates with the server.

A sync uploads pending scans first, applies the server's verdicts to the
queue, then downloads attendees changed since the last sync. Pending scans
are re-applied on top of the fresh snapshots; any that no longer pass are
recorded as conflicts.

Example:
  turnstile sync
  turnstile sync --full
  turnstile sync --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.UpOnly, "up", false, "only upload queued scans")
	cmd.Flags().BoolVar(&opts.DownOnly, "down", false, "only download attendee updates")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "forget the watermark and download every attendee")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep syncing every TURNSTILE_SYNC_INTERVAL until interrupted")
	cmd.MarkFlagsMutuallyExclusive("up", "down")
	cmd.MarkFlagsMutuallyExclusive("up", "watch")
	cmd.MarkFlagsMutuallyExclusive("down", "watch")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := dev.requireToken(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.Full {
		if err := dev.cache.ResetWatermark(ctx, dev.cfg.EventID); err != nil {
			return WrapExitError(ExitCommandError, "failed to reset watermark", err)
		}
	}

	if opts.Watch {
		return watchSync(dev, cmd)
	}

	var report client.Report
	switch {
	case opts.UpOnly:
		report, err = dev.syncer.SyncUp(ctx)
	case opts.DownOnly:
		report, err = dev.syncer.SyncDown(ctx)
	default:
		report, err = dev.syncer.Sync(ctx)
	}
	if err != nil {
		return syncExit(err)
	}

	return opts.printer(cmd).Result(report, func(w io.Writer) {
		printReport(w, report, !opts.DownOnly, !opts.UpOnly)
	})
}

// watchSync syncs on a schedule until SIGINT or SIGTERM.
func watchSync(dev *device, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dev.syncer.Start(every(dev.cfg.SyncInterval)); err != nil {
		return WrapExitError(ExitCommandError, "failed to schedule sync", err)
	}
	dev.syncer.NotifyOnline()
	fmt.Fprintf(cmd.ErrOrStderr(), "Syncing %s every %s, Ctrl-C to stop\n", dev.cfg.EventID, dev.cfg.SyncInterval)

	<-ctx.Done()
	return nil
}

func printReport(w io.Writer, r client.Report, up, down bool) {
	if r.Skipped {
		fmt.Fprintln(w, "Another sync is already running")
		return
	}
	if up {
		fmt.Fprintf(w, "Uploaded %d scans: %d confirmed, %d rejected, %d retrying\n",
			r.Uploaded, r.Reconciled.Removed, r.Reconciled.Rejected, r.Reconciled.Retrying)
	}
	if down {
		fmt.Fprintf(w, "Downloaded %d attendees (%s), %d pending scans rebased, %d conflicts\n",
			r.Applied.Replaced, r.SyncType, r.Applied.Rebased, r.Applied.Conflicts)
		if r.Purged > 0 {
			fmt.Fprintf(w, "Purged %d expired snapshots\n", r.Purged)
		}
		fmt.Fprintf(w, "Server time: %s\n", r.ServerTime.Format(time.RFC3339))
	}
}

// every turns an interval into a cron spec.
func every(d time.Duration) string {
	return "@every " + d.String()
}
