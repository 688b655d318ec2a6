package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/turnstile/internal/model"
)

// PutEvent inserts or updates an event.
// created_at is kept from the first insert.
func (s *Store) PutEvent(ctx context.Context, e model.Event) error {
	if e.Status == "" {
		e.Status = model.EventActive
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, name, status, capacity, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capacity = excluded.capacity
	`, e.ID, e.Name, string(e.Status), e.Capacity, toNanos(created))
	if err != nil {
		return fmt.Errorf("put event %s: %w", e.ID, err)
	}
	return nil
}

// Event returns the event with the given id, or model.ErrNotFound.
func (s *Store) Event(ctx context.Context, id string) (model.Event, error) {
	var (
		e       model.Event
		status  string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, capacity, created_at
		FROM events
		WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &status, &e.Capacity, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("read event %s: %w", id, err)
	}
	e.Status = model.EventStatus(status)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

// SetEventStatus moves an event through its lifecycle.
func (s *Store) SetEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set event status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set event status %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	return nil
}
