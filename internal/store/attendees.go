package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/turnstile/internal/model"
)

// UpsertAttendees writes ticket records produced by upstream ingestion.
//
// New rows start outside with a full allowance. Existing rows keep their
// admission state and counters; only descriptive fields, payment status and
// the allowance cap are refreshed, and checkins_remaining is clamped to the
// new cap. Every touched row gets a fresh updated_at so devices pick it up.
//
// Returns the number of rows written.
func (s *Store) UpsertAttendees(ctx context.Context, attendees []model.Attendee) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attendees (
			id, event_id, ticket_code, ticket_type, name, email, payment_status,
			allowed_checkins, checkins_remaining, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, ticket_code) DO UPDATE SET
			ticket_type = excluded.ticket_type,
			name = excluded.name,
			email = excluded.email,
			payment_status = excluded.payment_status,
			allowed_checkins = excluded.allowed_checkins,
			checkins_remaining = CASE
				WHEN excluded.allowed_checkins < 0 THEN attendees.checkins_remaining
				WHEN attendees.checkins_remaining > excluded.allowed_checkins THEN excluded.allowed_checkins
				ELSE attendees.checkins_remaining
			END,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := toNanos(s.clock())
	for _, a := range attendees {
		if a.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return 0, fmt.Errorf("generate attendee id: %w", err)
			}
			a.ID = id.String()
		}
		remaining := a.AllowedCheckins
		if a.Unlimited() {
			remaining = 0
		}
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.EventID, a.TicketCode, a.TicketType, a.Name, a.Email, a.PaymentStatus,
			a.AllowedCheckins, remaining, now,
		); err != nil {
			return 0, fmt.Errorf("upsert attendee %s/%s: %w", a.EventID, a.TicketCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return len(attendees), nil
}

// Attendee returns the attendee for (eventID, ticketCode), or model.ErrNotFound.
func (s *Store) Attendee(ctx context.Context, eventID, ticketCode string) (model.Attendee, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE event_id = ? AND ticket_code = ?`,
		eventID, ticketCode)
	a, err := scanAttendee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attendee{}, fmt.Errorf("attendee %s/%s: %w", eventID, ticketCode, model.ErrNotFound)
	}
	if err != nil {
		return model.Attendee{}, fmt.Errorf("read attendee %s/%s: %w", eventID, ticketCode, err)
	}
	return a, nil
}

// AttendeesSince returns attendees of an event changed strictly after since,
// ordered by ticket_code. A nil since returns the full set.
func (s *Store) AttendeesSince(ctx context.Context, eventID string, since *time.Time) ([]model.Attendee, error) {
	query := `SELECT ` + attendeeColumns + ` FROM attendees WHERE event_id = ?`
	args := []any{eventID}
	if since != nil {
		query += ` AND updated_at > ?`
		args = append(args, toNanos(*since))
	}
	query += ` ORDER BY ticket_code ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	defer rows.Close()

	attendees := []model.Attendee{}
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		attendees = append(attendees, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendees: %w", err)
	}
	return attendees, nil
}

// Sessions returns every session of an attendee ordered by entry time.
func (s *Store) Sessions(ctx context.Context, attendeeID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attendee_id, event_id, entrance_name, entry_time, exit_time
		FROM sessions
		WHERE attendee_id = ?
		ORDER BY entry_time ASC, id ASC
	`, attendeeID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var (
			sess  model.Session
			entry int64
			exit  sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.AttendeeID, &sess.EventID, &sess.EntranceName, &entry, &exit); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.EntryTime = fromNanos(entry)
		sess.ExitTime = fromNullNanos(exit)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
