package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/config"
	"github.com/roach88/turnstile/internal/model"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
}

// ImportFile is the layout of an import document.
type ImportFile struct {
	Event     model.Event      `yaml:"event"`
	Attendees []model.Attendee `yaml:"attendees"`
}

// ImportResult is the outcome of an import.
type ImportResult struct {
	EventID   string            `json:"event_id"`
	Status    model.EventStatus `json:"status"`
	Attendees int               `json:"attendees"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load an event and its attendees into the database",
		Long: `Load an event and its attendees into the database.

The file holds one event and its ticket records. Re-importing the same
file refreshes payment status, ticket type and allowance but keeps each
attendee's admission state. Setting event.status to archived closes the
event for scanning.

Example file:
  event: { id: evt-1, name: Spring Gala, capacity: 500 }
  attendees:
    - { ticket_code: A-1001, ticket_type: general, name: Ada,
        payment_status: completed, allowed_checkins: 1 }

Example:
  turnstile import gala.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	p := opts.printer(cmd)

	doc, err := loadImportFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid import file", err)
	}

	cfg, err := config.LoadStorage()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx := cmd.Context()
	st, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := importDocument(ctx, st, doc)
	if err != nil {
		return WrapExitError(ExitCommandError, "import failed", err)
	}

	return p.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d attendees into %s (%s)\n", result.Attendees, result.EventID, result.Status)
	})
}

// importer is the part of a store that import writes to.
type importer interface {
	PutEvent(ctx context.Context, e model.Event) error
	UpsertAttendees(ctx context.Context, attendees []model.Attendee) (int, error)
}

// importDocument writes the event first so attendees never reference a
// missing event.
func importDocument(ctx context.Context, st importer, doc *ImportFile) (ImportResult, error) {
	if err := st.PutEvent(ctx, doc.Event); err != nil {
		return ImportResult{}, err
	}
	n := 0
	if len(doc.Attendees) > 0 {
		var err error
		if n, err = st.UpsertAttendees(ctx, doc.Attendees); err != nil {
			return ImportResult{}, err
		}
	}
	return ImportResult{EventID: doc.Event.ID, Status: doc.Event.Status, Attendees: n}, nil
}

// loadImportFile reads, normalises and validates an import document.
func loadImportFile(path string) (*ImportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseImport(data)
}

func parseImport(data []byte) (*ImportFile, error) {
	var doc ImportFile
	if err := decodeStrict(data, &doc); err != nil {
		return nil, err
	}

	if doc.Event.ID == "" {
		return nil, errors.New("event.id is required")
	}
	switch doc.Event.Status {
	case "":
		doc.Event.Status = model.EventActive
	case model.EventActive, model.EventSyncing, model.EventArchived:
	default:
		return nil, fmt.Errorf("event.status %q is not active, syncing or archived", doc.Event.Status)
	}
	if doc.Event.Capacity < 0 {
		return nil, errors.New("event.capacity must not be negative")
	}

	seen := make(map[string]int, len(doc.Attendees))
	for i := range doc.Attendees {
		a := &doc.Attendees[i]
		a.TicketCode = checkin.NormalizeTicketCode(a.TicketCode)
		if a.TicketCode == "" {
			return nil, fmt.Errorf("attendees[%d]: ticket_code is required", i)
		}
		if prev, ok := seen[a.TicketCode]; ok {
			return nil, fmt.Errorf("attendees[%d]: ticket_code %q duplicates attendees[%d]", i, a.TicketCode, prev)
		}
		seen[a.TicketCode] = i
		if a.EventID != "" && a.EventID != doc.Event.ID {
			return nil, fmt.Errorf("attendees[%d]: event_id %q does not match event %q", i, a.EventID, doc.Event.ID)
		}
		a.EventID = doc.Event.ID
		if a.AllowedCheckins < -1 {
			return nil, fmt.Errorf("attendees[%d]: allowed_checkins must be -1 (unlimited) or more", i)
		}
		if a.PaymentStatus == "" {
			return nil, fmt.Errorf("attendees[%d]: payment_status is required", i)
		}
		if a.TicketType == "" {
			a.TicketType = "general"
		}
	}
	return &doc, nil
}

// decodeStrict decodes YAML and rejects unknown fields.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("file is empty")
		}
		return err
	}
	return nil
}
