package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/client"
	"github.com/roach88/turnstile/internal/model"
)

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	*RootOptions
	Direction string
	Entrance  string
	Operator  string
	Sync      bool
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scan [ticket-code...]",
		Short: "Scan tickets against the local cache",
		Long: `Scan tickets against the local cache.

Each scan is checked against the cached attendee, applied locally and
queued for upload, so the gate keeps working offline. With ticket codes as
arguments the command scans them and exits; without arguments it reads one
code per line from stdin (a keyboard-wedge barcode reader) and syncs in
the background every TURNSTILE_SYNC_INTERVAL.

Example:
  turnstile scan A-1001 A-1002 --entrance North --sync
  turnstile scan --direction out --entrance North`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", string(model.DirectionIn), "in|out")
	cmd.Flags().StringVar(&opts.Entrance, "entrance", "", "entrance name recorded with the scan")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator name recorded with the scan")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "sync with the server after scanning")

	return cmd
}

func runScan(opts *ScanOptions, args []string, cmd *cobra.Command) error {
	dir := model.Direction(opts.Direction)
	if !dir.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be in or out", opts.Direction))
	}

	dev, err := openDevice(opts.Operator)
	if err != nil {
		return err
	}
	defer dev.Close()

	if len(args) == 0 {
		return scanStream(opts, dev, dir, cmd)
	}

	p := opts.printer(cmd)
	ctx := cmd.Context()
	rejected := 0
	for _, code := range args {
		res, err := dev.scanner.Scan(ctx, code, dir, opts.Entrance)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("scan %q", code), err)
		}
		if res.Status == client.LocalRejected {
			rejected++
		}
		if err := p.Result(res, func(w io.Writer) { printLocalResult(w, res) }); err != nil {
			return err
		}
	}

	if opts.Sync {
		if err := dev.requireToken(); err != nil {
			return err
		}
		report, err := dev.syncer.Sync(ctx)
		if err != nil {
			return syncExit(err)
		}
		p.Debugf("synced: %d uploaded, %d rejected by server", report.Uploaded, report.Reconciled.Rejected)
	}

	if rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scans rejected", rejected, len(args)))
	}
	return nil
}

// scanStream scans one code per input line until EOF or a signal.
func scanStream(opts *ScanOptions, dev *device, dir model.Direction, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dev.cfg.Token != "" {
		if err := dev.syncer.Start(every(dev.cfg.SyncInterval)); err != nil {
			return WrapExitError(ExitCommandError, "failed to schedule sync", err)
		}
		dev.syncer.NotifyOnline()
	} else {
		slog.Warn("TURNSTILE_TOKEN not set, scans stay queued on this device")
	}

	lines := make(chan string)
	go readLines(ctx, cmd.InOrStdin(), lines)

	p := opts.printer(cmd)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			res, err := dev.scanner.Scan(ctx, line, dir, opts.Entrance)
			if err != nil {
				slog.Warn("scan failed", "ticket_code", line, "error", err)
				continue
			}
			if err := p.Result(res, func(w io.Writer) { printLocalResult(w, res) }); err != nil {
				return err
			}
		}
	}
}

func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func printLocalResult(w io.Writer, res client.LocalResult) {
	switch res.Status {
	case client.LocalAccepted:
		fmt.Fprintf(w, "✓ %s %s accepted", res.TicketCode, res.Direction)
		if res.Attendee != nil && res.Direction == model.DirectionIn && !res.Attendee.Unlimited() {
			fmt.Fprintf(w, " (%d remaining)", res.Attendee.CheckinsRemaining)
		}
	case client.LocalRejected:
		fmt.Fprintf(w, "✗ %s %s %s: %s", res.TicketCode, res.Direction, res.Code, res.Message)
	default:
		fmt.Fprintf(w, "· %s %s %s", res.TicketCode, res.Direction, res.Message)
	}
	if res.Stale {
		fmt.Fprint(w, " [stale cache]")
	}
	fmt.Fprintln(w)
}
