package cli

import (
	"errors"
	"log/slog"

	"github.com/roach88/turnstile/internal/client"
	"github.com/roach88/turnstile/internal/client/cache"
	"github.com/roach88/turnstile/internal/config"
)

// device bundles the local cache with the scanner and syncer built on it.
type device struct {
	cfg     config.Client
	cache   *cache.Cache
	api     *client.APIClient
	scanner *client.Scanner
	syncer  *client.Syncer
}

// openDevice loads client settings and opens the local cache. operator is
// stamped on every scan queued through the returned scanner.
func openDevice(operator string) (*device, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if cfg.EventID == "" {
		return nil, NewExitError(ExitCommandError, "TURNSTILE_EVENT_ID is required")
	}
	rules, err := config.LoadPolicyFile(cfg.PolicyFile, cfg.Timezone)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	slog.Debug("opening cache", "path", cfg.CachePath, "event_id", cfg.EventID, "device_id", cfg.DeviceID)
	c, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	scanner := client.NewScanner(c, cfg.EventID, cfg.DeviceID,
		client.WithRules(rules),
		client.WithReplayWindow(cfg.ReplayWindow),
		client.WithMaxAge(cfg.CacheMaxAge),
		client.WithOperator(operator),
	)
	api := client.NewAPIClient(cfg.ServerURL, cfg.Token, cfg.HTTPTimeout)
	syncer := client.NewSyncer(c, api, cfg.EventID,
		client.WithRebase(scanner.Rebase),
		client.WithCacheMaxAge(cfg.CacheMaxAge),
		client.WithReconnectDebounce(cfg.ReconnectDebounce),
	)

	return &device{cfg: cfg, cache: c, api: api, scanner: scanner, syncer: syncer}, nil
}

// requireToken fails early for commands that talk to the server.
func (d *device) requireToken() error {
	if d.cfg.Token == "" {
		return NewExitError(ExitCommandError, "TURNSTILE_TOKEN is required to sync")
	}
	return nil
}

func (d *device) Close() error {
	d.syncer.Stop()
	return d.cache.Close()
}

// syncExit maps a failed sync to an exit error. Rejections by the server
// are command errors; network failures are retryable and exit with
// ExitFailure so supervisors can try again.
func syncExit(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return WrapExitError(ExitCommandError, "sync rejected by server", err)
	}
	return WrapExitError(ExitFailure, "sync failed", err)
}
