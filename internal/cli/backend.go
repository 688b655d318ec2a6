package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/turnstile/internal/config"
	"github.com/roach88/turnstile/internal/engine"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/store"
	"github.com/roach88/turnstile/internal/store/postgres"
)

// backend is everything the server commands need from a store.
// Both store.Store and postgres.Store satisfy it.
type backend interface {
	engine.Store

	PutEvent(ctx context.Context, e model.Event) error
	UpsertAttendees(ctx context.Context, attendees []model.Attendee) (int, error)
	AttendeesSince(ctx context.Context, eventID string, since *time.Time) ([]model.Attendee, error)
	Occupancy(ctx context.Context, eventID string) (model.Occupancy, error)
	PruneLedger(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*postgres.Store)(nil)
)

// openBackend opens the store selected by cfg.DBDriver.
func openBackend(ctx context.Context, cfg config.Server) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		slog.Info("opening database", "driver", cfg.DBDriver, "path", cfg.DBPath)
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		slog.Info("opening database", "driver", cfg.DBDriver)
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}
