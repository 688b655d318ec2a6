// Package postgres is the PostgreSQL backend of the check-in store.
//
// It offers the same operations as the SQLite store. Row-level exclusion
// uses SELECT ... FOR UPDATE inside the transition transaction, so several
// server processes may share one database.
//
// Timestamps are TIMESTAMPTZ with microsecond precision. updated_at stamps
// round up to the next microsecond and "since" bounds round down, so an
// update that happens after a sync-down captured its server_time is never
// hidden by truncation.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the PostgreSQL implementation of the engine's durable state.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open connects to databaseURL, verifies the connection and applies the schema.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the connection pool for tests and maintenance tools.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// stamp returns the store clock rounded up to microsecond precision.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if r := t.Truncate(time.Microsecond); !r.Equal(t) {
		return r.Add(time.Microsecond)
	}
	return t
}

// PutEvent inserts or updates an event.
func (s *Store) PutEvent(ctx context.Context, e model.Event) error {
	if e.Status == "" {
		e.Status = model.EventActive
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.stamp()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, name, status, capacity, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			capacity = EXCLUDED.capacity
	`, e.ID, e.Name, string(e.Status), e.Capacity, created)
	if err != nil {
		return fmt.Errorf("put event %s: %w", e.ID, err)
	}
	return nil
}

// Event returns the event with the given id, or model.ErrNotFound.
func (s *Store) Event(ctx context.Context, id string) (model.Event, error) {
	var (
		e      model.Event
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, capacity, created_at FROM events WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &status, &e.Capacity, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("read event %s: %w", id, err)
	}
	e.Status = model.EventStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// SetEventStatus moves an event through its lifecycle.
func (s *Store) SetEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set event status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpsertAttendees writes ticket records, preserving admission state of
// existing rows. See the SQLite store for the exact merge rules.
func (s *Store) UpsertAttendees(ctx context.Context, attendees []model.Attendee) (int, error) {
	now := s.stamp()
	batch := &pgx.Batch{}
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
		batch.Queue(`
			INSERT INTO attendees (
				id, event_id, ticket_code, ticket_type, name, email, payment_status,
				allowed_checkins, checkins_remaining, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id, ticket_code) DO UPDATE SET
				ticket_type = EXCLUDED.ticket_type,
				name = EXCLUDED.name,
				email = EXCLUDED.email,
				payment_status = EXCLUDED.payment_status,
				allowed_checkins = EXCLUDED.allowed_checkins,
				checkins_remaining = CASE
					WHEN EXCLUDED.allowed_checkins < 0 THEN attendees.checkins_remaining
					ELSE LEAST(attendees.checkins_remaining, EXCLUDED.allowed_checkins)
				END,
				updated_at = EXCLUDED.updated_at
		`, a.ID, a.EventID, a.TicketCode, a.TicketType, a.Name, a.Email, a.PaymentStatus,
			a.AllowedCheckins, remaining, now)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert attendees: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return len(attendees), nil
}

const attendeeColumns = `id, event_id, ticket_code, ticket_type, name, email, payment_status,
	allowed_checkins, checkins_remaining, is_currently_inside, checked_in_at, checked_out_at,
	last_checked_in_date, daily_scan_count, weekly_scan_count, monthly_scan_count,
	last_entrance, updated_at`

func scanAttendee(row pgx.Row) (model.Attendee, error) {
	var a model.Attendee
	err := row.Scan(
		&a.ID, &a.EventID, &a.TicketCode, &a.TicketType, &a.Name, &a.Email, &a.PaymentStatus,
		&a.AllowedCheckins, &a.CheckinsRemaining, &a.IsCurrentlyInside, &a.CheckedInAt, &a.CheckedOutAt,
		&a.LastCheckedInDate, &a.DailyScanCount, &a.WeeklyScanCount, &a.MonthlyScanCount,
		&a.LastEntrance, &a.UpdatedAt,
	)
	if err != nil {
		return model.Attendee{}, err
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.CheckedInAt != nil {
		t := a.CheckedInAt.UTC()
		a.CheckedInAt = &t
	}
	if a.CheckedOutAt != nil {
		t := a.CheckedOutAt.UTC()
		a.CheckedOutAt = &t
	}
	return a, nil
}

// Attendee returns the attendee for (eventID, ticketCode), or model.ErrNotFound.
func (s *Store) Attendee(ctx context.Context, eventID, ticketCode string) (model.Attendee, error) {
	a, err := scanAttendee(s.pool.QueryRow(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE event_id = $1 AND ticket_code = $2`,
		eventID, ticketCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Attendee{}, fmt.Errorf("attendee %s/%s: %w", eventID, ticketCode, model.ErrNotFound)
	}
	if err != nil {
		return model.Attendee{}, fmt.Errorf("read attendee %s/%s: %w", eventID, ticketCode, err)
	}
	return a, nil
}

// AttendeesSince returns attendees changed strictly after since, ordered by
// ticket_code. A nil since returns the full set.
func (s *Store) AttendeesSince(ctx context.Context, eventID string, since *time.Time) ([]model.Attendee, error) {
	query := `SELECT ` + attendeeColumns + ` FROM attendees WHERE event_id = $1`
	args := []any{eventID}
	if since != nil {
		query += ` AND updated_at > $2`
		args = append(args, since.UTC().Truncate(time.Microsecond))
	}
	query += ` ORDER BY ticket_code ASC`

	rows, err := s.pool.Query(ctx, query, args...)
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

// ReserveKey inserts a pending ledger row. Returns true if this call created it.
func (s *Store) ReserveKey(ctx context.Context, entry model.LedgerEntry) (bool, error) {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	now := s.stamp()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_ledger (event_id, idempotency_key, result, metadata, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3::jsonb, $4, $4)
		ON CONFLICT (event_id, idempotency_key) DO NOTHING
	`, entry.EventID, entry.IdempotencyKey, string(meta), now)
	if err != nil {
		return false, fmt.Errorf("reserve key %s: %w", entry.IdempotencyKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReadKey returns the ledger row for (eventID, key), or model.ErrNotFound.
func (s *Store) ReadKey(ctx context.Context, eventID, key string) (model.LedgerEntry, error) {
	var (
		e      model.LedgerEntry
		result string
		meta   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, idempotency_key, result, metadata, created_at, updated_at
		FROM idempotency_ledger
		WHERE event_id = $1 AND idempotency_key = $2
	`, eventID, key).Scan(&e.EventID, &e.IdempotencyKey, &result, &meta, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, fmt.Errorf("ledger key %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("read key %s: %w", key, err)
	}
	if err := json.Unmarshal(meta, &e.Metadata); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	e.Result = model.LedgerResult(result)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// execer is implemented by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CompleteKey writes a terminal result onto a pending row reserved under
// entry's lease, or returns model.ErrReservationLost.
func (s *Store) CompleteKey(ctx context.Context, entry model.LedgerEntry) error {
	if !entry.Result.Terminal() {
		return fmt.Errorf("complete key %s: result %q is not terminal", entry.IdempotencyKey, entry.Result)
	}
	return completeKey(ctx, s.pool, entry, s.stamp())
}

func completeKey(ctx context.Context, db execer, entry model.LedgerEntry, now time.Time) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := db.Exec(ctx, `
		UPDATE idempotency_ledger
		SET result = $1, metadata = $2::jsonb, updated_at = $3
		WHERE event_id = $4 AND idempotency_key = $5 AND result = 'pending'
			AND COALESCE(metadata->>'lease', '') = $6
	`, string(entry.Result), string(meta), now, entry.EventID, entry.IdempotencyKey, entry.Metadata.Lease)
	if err != nil {
		return fmt.Errorf("complete key %s: %w", entry.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete key %s: %w", entry.IdempotencyKey, model.ErrReservationLost)
	}
	return nil
}

// ReleaseKey deletes a pending reservation held under lease. Terminal rows
// and other submissions' reservations are untouched.
func (s *Store) ReleaseKey(ctx context.Context, eventID, key, lease string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_ledger
		WHERE event_id = $1 AND idempotency_key = $2 AND result = 'pending'
			AND COALESCE(metadata->>'lease', '') = $3
	`, eventID, key, lease)
	if err != nil {
		return fmt.Errorf("release key %s: %w", key, err)
	}
	return nil
}

// ReclaimStaleKey deletes a pending row only if it is unchanged since observed.
func (s *Store) ReclaimStaleKey(ctx context.Context, eventID, key string, observedUpdatedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_ledger
		WHERE event_id = $1 AND idempotency_key = $2 AND result = 'pending' AND updated_at = $3
	`, eventID, key, observedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("reclaim key %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PruneLedger deletes terminal rows last updated before cutoff.
func (s *Store) PruneLedger(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_ledger
		WHERE result IN ('success', 'error') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Transition applies one accepted scan atomically. The attendee row is held
// with FOR UPDATE until commit.
func (s *Store) Transition(ctx context.Context, entry model.LedgerEntry, decide checkin.DecideFunc) (model.Attendee, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Attendee{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	eventID, code := entry.EventID, entry.Metadata.TicketCode
	current, err := scanAttendee(tx.QueryRow(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE event_id = $1 AND ticket_code = $2 FOR UPDATE`,
		eventID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Attendee{}, fmt.Errorf("attendee %s/%s: %w", eventID, code, model.ErrNotFound)
	}
	if err != nil {
		return model.Attendee{}, fmt.Errorf("read attendee %s/%s: %w", eventID, code, err)
	}

	var open int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE attendee_id = $1 AND exit_time IS NULL`,
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

	now := s.stamp()
	next := decision.Next
	next.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		UPDATE attendees SET
			checkins_remaining = $1,
			is_currently_inside = $2,
			checked_in_at = $3,
			checked_out_at = $4,
			last_checked_in_date = $5,
			daily_scan_count = $6,
			weekly_scan_count = $7,
			monthly_scan_count = $8,
			last_entrance = $9,
			updated_at = $10
		WHERE id = $11
	`, next.CheckinsRemaining, next.IsCurrentlyInside, next.CheckedInAt, next.CheckedOutAt,
		next.LastCheckedInDate, next.DailyScanCount, next.WeeklyScanCount, next.MonthlyScanCount,
		next.LastEntrance, next.UpdatedAt, next.ID)
	if err != nil {
		return model.Attendee{}, fmt.Errorf("write attendee %s: %w", next.ID, err)
	}

	switch {
	case decision.OpenSession:
		id, err := uuid.NewV7()
		if err != nil {
			return model.Attendee{}, fmt.Errorf("generate session id: %w", err)
		}
		at := now
		if next.CheckedInAt != nil {
			at = *next.CheckedInAt
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, attendee_id, event_id, entrance_name, entry_time)
			VALUES ($1, $2, $3, $4, $5)
		`, id.String(), next.ID, next.EventID, next.LastEntrance, at); err != nil {
			return model.Attendee{}, fmt.Errorf("open session: %w", err)
		}
	case decision.CloseSession:
		at := now
		if next.CheckedOutAt != nil {
			at = *next.CheckedOutAt
		}
		if _, err := tx.Exec(ctx, `
			UPDATE sessions SET exit_time = $1 WHERE attendee_id = $2 AND exit_time IS NULL
		`, at, next.ID); err != nil {
			return model.Attendee{}, fmt.Errorf("close session: %w", err)
		}
	}

	remaining := next.CheckinsRemaining
	entry.Result = model.LedgerSuccess
	entry.Metadata.AttendeeID = next.ID
	entry.Metadata.CheckinsRemaining = &remaining
	entry.Metadata.ProcessedAt = &now
	if err := completeKey(ctx, tx, entry, now); err != nil {
		return model.Attendee{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Attendee{}, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

// Occupancy counts open sessions for an event, grouped by entrance.
func (s *Store) Occupancy(ctx context.Context, eventID string) (model.Occupancy, error) {
	ev, err := s.Event(ctx, eventID)
	if err != nil {
		return model.Occupancy{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entrance_name, COUNT(*)
		FROM sessions
		WHERE event_id = $1 AND exit_time IS NULL
		GROUP BY entrance_name
	`, eventID)
	if err != nil {
		return model.Occupancy{}, fmt.Errorf("query occupancy: %w", err)
	}
	defer rows.Close()

	occ := model.Occupancy{
		EventID:    eventID,
		Capacity:   ev.Capacity,
		ByEntrance: map[string]int{},
		ComputedAt: s.now().UTC(),
	}
	for rows.Next() {
		var (
			entrance string
			n        int
		)
		if err := rows.Scan(&entrance, &n); err != nil {
			return model.Occupancy{}, fmt.Errorf("scan occupancy: %w", err)
		}
		occ.ByEntrance[entrance] = n
		occ.Inside += n
	}
	if err := rows.Err(); err != nil {
		return model.Occupancy{}, fmt.Errorf("iterate occupancy: %w", err)
	}
	return occ, nil
}
