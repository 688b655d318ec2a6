package store

import (
	"context"
	"fmt"

	"github.com/roach88/turnstile/internal/model"
)

// Occupancy counts open sessions for an event, grouped by entrance.
// The result is derived state; ComputedAt is stamped by the store clock.
func (s *Store) Occupancy(ctx context.Context, eventID string) (model.Occupancy, error) {
	ev, err := s.Event(ctx, eventID)
	if err != nil {
		return model.Occupancy{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entrance_name, COUNT(*)
		FROM sessions
		WHERE event_id = ? AND exit_time IS NULL
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
		ComputedAt: s.clock(),
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
