package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/client/cache"
)

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect scans waiting for the server",
		Long: `Inspect scans waiting for the server.

Pending scans are uploaded on the next sync. Scans the server rejected
stay in the queue with status "error" until an operator dismisses them.

Example:
  turnstile queue
  turnstile queue show dev1:evt-1:A-1001:in:1773511200
  turnstile queue dismiss dev1:evt-1:A-1001:in:1773511200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(rootOpts, cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show <idempotency-key>",
		Short:         "Show one queued scan",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueShow(rootOpts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "dismiss <idempotency-key>",
		Short:         "Drop a scan the server rejected",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueDismiss(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func runQueueList(opts *RootOptions, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	items, err := dev.cache.Queue(cmd.Context(), dev.cfg.EventID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	if items == nil {
		items = []cache.QueueItem{}
	}

	return opts.printer(cmd).Result(items, func(w io.Writer) {
		if len(items) == 0 {
			fmt.Fprintln(w, "Queue is empty")
			return
		}
		for _, q := range items {
			printQueueItem(w, q)
		}
	})
}

func runQueueShow(opts *RootOptions, key string, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	item, err := dev.cache.QueueItem(cmd.Context(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no queued scan with key %s", key))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	return opts.printer(cmd).Result(item, func(w io.Writer) {
		printQueueItem(w, item)
		fmt.Fprintf(w, "  key:      %s\n", item.IdempotencyKey)
		if item.EntranceName != "" {
			fmt.Fprintf(w, "  entrance: %s\n", item.EntranceName)
		}
		if item.OperatorName != "" {
			fmt.Fprintf(w, "  operator: %s\n", item.OperatorName)
		}
		fmt.Fprintf(w, "  attempts: %d\n", item.Attempts)
	})
}

func runQueueDismiss(opts *RootOptions, key string, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	err = dev.cache.Dismiss(cmd.Context(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no rejected scan with key %s", key))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to dismiss", err)
	}

	return opts.printer(cmd).Result(map[string]string{"dismissed": key}, func(w io.Writer) {
		fmt.Fprintf(w, "Dismissed %s\n", key)
	})
}

func printQueueItem(w io.Writer, q cache.QueueItem) {
	fmt.Fprintf(w, "#%d %s %-3s %-7s %s", q.Seq, q.TicketCode, q.Direction, q.Status, q.ScannedAt.Local().Format(time.DateTime))
	if q.Status == cache.StatusError {
		fmt.Fprintf(w, "  %s: %s", q.ErrorCode, q.ErrorMessage)
	}
	fmt.Fprintln(w)
}
