package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/client/cache"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	All bool
}

// NewConflictsCommand creates the conflicts command and its subcommands.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List scans the server disagreed with",
		Long: `List scans the server disagreed with.

A conflict is recorded when the server rejects a scan this device
accepted offline, or when a fresh attendee snapshot no longer allows a
scan that is still waiting to upload. Exits 1 while unresolved conflicts
remain so scripts can alert on them.

Example:
  turnstile conflicts
  turnstile conflicts --all --format json
  turnstile conflicts resolve 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved conflicts")

	cmd.AddCommand(&cobra.Command{
		Use:           "resolve <id>",
		Short:         "Mark a conflict as handled",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictResolve(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func runConflictsList(opts *ConflictsOptions, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	conflicts, err := dev.cache.Conflicts(cmd.Context(), dev.cfg.EventID, opts.All)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}
	if conflicts == nil {
		conflicts = []cache.Conflict{}
	}

	unresolved := 0
	for _, c := range conflicts {
		if c.ResolvedAt == nil {
			unresolved++
		}
	}

	if err := opts.printer(cmd).Result(conflicts, func(w io.Writer) {
		if len(conflicts) == 0 {
			fmt.Fprintln(w, "No conflicts")
			return
		}
		for _, c := range conflicts {
			printConflict(w, c)
		}
	}); err != nil {
		return err
	}

	if unresolved > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unresolved conflicts", unresolved))
	}
	return nil
}

func runConflictResolve(opts *RootOptions, arg string, cmd *cobra.Command) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid conflict id %q", arg))
	}

	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	err = dev.cache.ResolveConflict(cmd.Context(), id)
	if errors.Is(err, cache.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no open conflict with id %d", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve conflict", err)
	}

	return opts.printer(cmd).Result(map[string]int64{"resolved": id}, func(w io.Writer) {
		fmt.Fprintf(w, "Resolved conflict %d\n", id)
	})
}

func printConflict(w io.Writer, c cache.Conflict) {
	state := "open"
	if c.ResolvedAt != nil {
		state = "resolved"
	}
	fmt.Fprintf(w, "[%d] %s %s %s %s (%s, %s): %s\n",
		c.ID, state, c.TicketCode, c.Direction, c.Code, c.Source,
		c.DetectedAt.Local().Format(time.DateTime), c.Message)
}
