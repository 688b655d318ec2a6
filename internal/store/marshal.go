package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// toNanos converts t to the stored representation.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromNanos converts a stored timestamp back to UTC.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullableNanos maps a nil time to SQL NULL.
func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalMetadata converts ledger metadata to JSON TEXT for storage.
func marshalMetadata(m model.LedgerMetadata) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMetadata parses JSON TEXT into ledger metadata.
func unmarshalMetadata(data string) (model.LedgerMetadata, error) {
	var m model.LedgerMetadata
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return m, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const attendeeColumns = `id, event_id, ticket_code, ticket_type, name, email, payment_status,
	allowed_checkins, checkins_remaining, is_currently_inside, checked_in_at, checked_out_at,
	last_checked_in_date, daily_scan_count, weekly_scan_count, monthly_scan_count,
	last_entrance, updated_at`

func scanAttendee(row rowScanner) (model.Attendee, error) {
	var (
		a            model.Attendee
		inside       int
		checkedIn    sql.NullInt64
		checkedOut   sql.NullInt64
		updatedNanos int64
	)
	err := row.Scan(
		&a.ID,
		&a.EventID,
		&a.TicketCode,
		&a.TicketType,
		&a.Name,
		&a.Email,
		&a.PaymentStatus,
		&a.AllowedCheckins,
		&a.CheckinsRemaining,
		&inside,
		&checkedIn,
		&checkedOut,
		&a.LastCheckedInDate,
		&a.DailyScanCount,
		&a.WeeklyScanCount,
		&a.MonthlyScanCount,
		&a.LastEntrance,
		&updatedNanos,
	)
	if err != nil {
		return model.Attendee{}, err
	}
	a.IsCurrentlyInside = inside != 0
	a.CheckedInAt = fromNullNanos(checkedIn)
	a.CheckedOutAt = fromNullNanos(checkedOut)
	a.UpdatedAt = fromNanos(updatedNanos)
	return a, nil
}
