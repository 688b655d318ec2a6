package cli

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/client/cache"
	"github.com/roach88/turnstile/internal/model"
)

// DeviceStatus summarises the local cache and, when reachable, the venue.
type DeviceStatus struct {
	EventID    string           `json:"event_id"`
	DeviceID   string           `json:"device_id"`
	Attendees  int              `json:"cached_attendees"`
	Pending    int              `json:"pending"`
	Rejected   int              `json:"rejected"`
	Conflicts  int              `json:"open_conflicts"`
	Watermark  *time.Time       `json:"watermark,omitempty"`
	Occupancy  *model.Occupancy `json:"occupancy,omitempty"`
	ServerNote string           `json:"server_note,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device cache, queue and venue occupancy",
		Long: `Show device cache, queue and venue occupancy.

Occupancy comes from the server and is omitted when the server cannot be
reached; the local figures are always shown.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	dev, err := openDevice("")
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx := cmd.Context()
	eventID := dev.cfg.EventID
	st := DeviceStatus{EventID: eventID, DeviceID: dev.cfg.DeviceID}

	if st.Attendees, err = dev.cache.CountAttendees(ctx, eventID); err != nil {
		return WrapExitError(ExitCommandError, "failed to read cache", err)
	}
	items, err := dev.cache.Queue(ctx, eventID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	for _, q := range items {
		if q.Status == cache.StatusError {
			st.Rejected++
		} else {
			st.Pending++
		}
	}
	conflicts, err := dev.cache.Conflicts(ctx, eventID, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}
	st.Conflicts = len(conflicts)
	if st.Watermark, err = dev.cache.Watermark(ctx, eventID); err != nil {
		return WrapExitError(ExitCommandError, "failed to read watermark", err)
	}

	if dev.cfg.Token == "" {
		st.ServerNote = "no token configured"
	} else if occ, err := dev.api.Occupancy(ctx); err != nil {
		slog.Debug("occupancy unavailable", "error", err)
		st.ServerNote = "server unreachable"
	} else {
		st.Occupancy = &occ
	}

	return opts.printer(cmd).Result(st, func(w io.Writer) {
		fmt.Fprintf(w, "Event:     %s (device %s)\n", st.EventID, st.DeviceID)
		fmt.Fprintf(w, "Cache:     %d attendees", st.Attendees)
		if st.Watermark != nil {
			fmt.Fprintf(w, ", synced %s", st.Watermark.Local().Format(time.DateTime))
		} else {
			fmt.Fprint(w, ", never synced")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Queue:     %d pending, %d rejected\n", st.Pending, st.Rejected)
		fmt.Fprintf(w, "Conflicts: %d open\n", st.Conflicts)
		if st.Occupancy != nil {
			fmt.Fprintf(w, "Inside:    %d of %d\n", st.Occupancy.Inside, st.Occupancy.Capacity)
			for _, name := range slices.Sorted(maps.Keys(st.Occupancy.ByEntrance)) {
				fmt.Fprintf(w, "  %-12s %d\n", name, st.Occupancy.ByEntrance[name])
			}
		} else {
			fmt.Fprintf(w, "Inside:    unknown (%s)\n", st.ServerNote)
		}
	})
}
