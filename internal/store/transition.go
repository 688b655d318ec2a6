package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

// Transition applies one accepted scan atomically.
//
// Inside a single transaction it reads the attendee named by
// entry.Metadata.TicketCode, reconciles the inside flag with the session
// ledger, calls decide, writes the next attendee state, opens or closes the
// session and marks the ledger row for entry as success. The ledger row must
// still be pending under entry's lease; if it was reclaimed in the
// meantime nothing is written and model.ErrReservationLost is returned.
//
// Returns the attendee as persisted. Unknown tickets return model.ErrNotFound;
// errors from decide are returned unchanged.
func (s *Store) Transition(ctx context.Context, entry model.LedgerEntry, decide checkin.DecideFunc) (model.Attendee, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Attendee{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	eventID, code := entry.EventID, entry.Metadata.TicketCode
	current, err := scanAttendee(tx.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE event_id = ? AND ticket_code = ?`,
		eventID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attendee{}, fmt.Errorf("attendee %s/%s: %w", eventID, code, model.ErrNotFound)
	}
	if err != nil {
		return model.Attendee{}, fmt.Errorf("read attendee %s/%s: %w", eventID, code, err)
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE attendee_id = ? AND exit_time IS NULL`,
		current.ID).Scan(&open); err != nil {
		return model.Attendee{}, fmt.Errorf("count open sessions: %w", err)
	}
	if hasOpen := open > 0; hasOpen != current.IsCurrentlyInside {
		slog.Warn("inside flag disagrees with session ledger, trusting sessions",
			"event_id", eventID,
			"ticket_code", code,
			"flag", current.IsCurrentlyInside,
			"open_sessions", open)
		current.IsCurrentlyInside = hasOpen
	}

	decision, err := decide(current)
	if err != nil {
		return model.Attendee{}, err
	}

	now := s.clock()
	next := decision.Next
	next.UpdatedAt = now

	if err := writeAttendee(ctx, tx, next); err != nil {
		return model.Attendee{}, err
	}

	switch {
	case decision.OpenSession:
		if err := openSession(ctx, tx, next); err != nil {
			return model.Attendee{}, err
		}
	case decision.CloseSession:
		if err := closeSession(ctx, tx, next); err != nil {
			return model.Attendee{}, err
		}
	}

	remaining := next.CheckinsRemaining
	entry.Result = model.LedgerSuccess
	entry.Metadata.AttendeeID = next.ID
	entry.Metadata.CheckinsRemaining = &remaining
	entry.Metadata.ProcessedAt = &now
	if err := completeKey(ctx, tx, entry, toNanos(now)); err != nil {
		return model.Attendee{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Attendee{}, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

func writeAttendee(ctx context.Context, tx *sql.Tx, a model.Attendee) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE attendees SET
			checkins_remaining = ?,
			is_currently_inside = ?,
			checked_in_at = ?,
			checked_out_at = ?,
			last_checked_in_date = ?,
			daily_scan_count = ?,
			weekly_scan_count = ?,
			monthly_scan_count = ?,
			last_entrance = ?,
			updated_at = ?
		WHERE id = ?
	`,
		a.CheckinsRemaining,
		boolToInt(a.IsCurrentlyInside),
		nullableNanos(a.CheckedInAt),
		nullableNanos(a.CheckedOutAt),
		a.LastCheckedInDate,
		a.DailyScanCount,
		a.WeeklyScanCount,
		a.MonthlyScanCount,
		a.LastEntrance,
		toNanos(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("write attendee %s: %w", a.ID, err)
	}
	return nil
}

func openSession(ctx context.Context, tx *sql.Tx, a model.Attendee) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	entry := a.UpdatedAt
	if a.CheckedInAt != nil {
		entry = *a.CheckedInAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, attendee_id, event_id, entrance_name, entry_time)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), a.ID, a.EventID, a.LastEntrance, toNanos(entry))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

func closeSession(ctx context.Context, tx *sql.Tx, a model.Attendee) error {
	exit := a.UpdatedAt
	if a.CheckedOutAt != nil {
		exit = *a.CheckedOutAt
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET exit_time = ?
		WHERE attendee_id = ? AND exit_time IS NULL
	`, toNanos(exit), a.ID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
