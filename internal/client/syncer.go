package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/turnstile/internal/client/cache"
	"github.com/roach88/turnstile/internal/model"
)

// Defaults for background synchronisation.
const (
	DefaultBatchSize         = 200
	DefaultReconnectDebounce = 2 * time.Second
	defaultRunTimeout        = 2 * time.Minute
)

// Remote is the server side of the sync protocol.
type Remote interface {
	SyncUp(ctx context.Context, scans []model.ScanRequest) (model.SyncUpResponse, error)
	SyncDown(ctx context.Context, since *time.Time) (model.SyncDownResponse, error)
}

// Report describes one Sync run.
type Report struct {
	// Skipped is set when another sync was already running.
	Skipped    bool                  `json:"skipped,omitempty"`
	Uploaded   int                   `json:"uploaded"`
	Reconciled cache.ReconcileReport `json:"reconciled"`
	Applied    cache.ApplyReport     `json:"applied"`
	SyncType   model.SyncType        `json:"sync_type,omitempty"`
	ServerTime time.Time             `json:"server_time"`
	Purged     int64                 `json:"purged"`
}

// Syncer runs the sync protocol for one event. Runs are single-flight: a
// Sync call made while another is in progress returns a skipped report.
type Syncer struct {
	cache   *cache.Cache
	remote  Remote
	eventID string
	rebase  cache.RebaseFunc

	batchSize int
	maxAge    time.Duration
	debounce  time.Duration

	running atomic.Bool

	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
	cron  *cron.Cron
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithRebase sets how pending scans are re-applied after sync-down.
func WithRebase(f cache.RebaseFunc) SyncerOption {
	return func(s *Syncer) { s.rebase = f }
}

// WithBatchSize caps the scans uploaded per request.
func WithBatchSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithCacheMaxAge purges snapshots older than d after each full sync-down.
func WithCacheMaxAge(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.maxAge = d }
}

// WithReconnectDebounce sets the delay between NotifyOnline and the resync.
func WithReconnectDebounce(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewSyncer creates a syncer for eventID.
func NewSyncer(c *cache.Cache, remote Remote, eventID string, opts ...SyncerOption) *Syncer {
	base, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		cache:     c,
		remote:    remote,
		eventID:   eventID,
		batchSize: DefaultBatchSize,
		debounce:  DefaultReconnectDebounce,
		base:      base,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync uploads the queue, then refreshes the cache.
func (s *Syncer) Sync(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("sync already running, skipped", "event_id", s.eventID)
		return Report{Skipped: true}, nil
	}
	defer s.running.Store(false)

	var report Report
	if err := s.up(ctx, &report); err != nil {
		return report, err
	}
	if err := s.down(ctx, &report); err != nil {
		return report, err
	}
	slog.Info("sync complete",
		"event_id", s.eventID,
		"uploaded", report.Uploaded,
		"removed", report.Reconciled.Removed,
		"rejected", report.Reconciled.Rejected,
		"sync_type", report.SyncType,
		"attendees", report.Applied.Replaced,
		"conflicts", report.Applied.Conflicts,
	)
	return report, nil
}

// SyncUp runs only the upload half.
func (s *Syncer) SyncUp(ctx context.Context) (Report, error) {
	return s.single(ctx, s.up)
}

// SyncDown runs only the refresh half.
func (s *Syncer) SyncDown(ctx context.Context) (Report, error) {
	return s.single(ctx, s.down)
}

func (s *Syncer) single(ctx context.Context, step func(context.Context, *Report) error) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer s.running.Store(false)
	var report Report
	err := step(ctx, &report)
	return report, err
}

// up uploads pending items in batches. Each pending item is sent at most
// once per run; retryable results stay queued for the next run.
func (s *Syncer) up(ctx context.Context, report *Report) error {
	var after int64
	for {
		items, err := s.cache.Pending(ctx, s.eventID, after, s.batchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		after = items[len(items)-1].Seq

		scans := make([]model.ScanRequest, len(items))
		for i, it := range items {
			scans[i] = it.Request()
		}
		resp, err := s.remote.SyncUp(ctx, scans)
		if err != nil {
			return fmt.Errorf("sync up: %w", err)
		}
		if len(resp.Results) != len(scans) {
			slog.Warn("sync up result count mismatch", "event_id", s.eventID,
				"sent", len(scans), "received", len(resp.Results))
		}

		r, err := s.cache.Reconcile(ctx, s.eventID, resp.Results)
		if err != nil {
			return err
		}
		report.Uploaded += len(scans)
		report.Reconciled.Removed += r.Removed
		report.Reconciled.Rejected += r.Rejected
		report.Reconciled.Retrying += r.Retrying
		report.Reconciled.Unmatched += r.Unmatched
	}
}

func (s *Syncer) down(ctx context.Context, report *Report) error {
	since, err := s.cache.Watermark(ctx, s.eventID)
	if err != nil {
		return err
	}
	resp, err := s.remote.SyncDown(ctx, since)
	if err != nil {
		return fmt.Errorf("sync down: %w", err)
	}
	applied, err := s.cache.ApplySyncDown(ctx, s.eventID, resp, s.rebase)
	if err != nil {
		return err
	}
	report.Applied = applied
	report.SyncType = resp.SyncType
	report.ServerTime = resp.ServerTime

	if resp.SyncType == model.SyncFull && s.maxAge > 0 {
		n, err := s.cache.PurgeExpired(ctx, s.maxAge)
		if err != nil {
			return err
		}
		report.Purged = n
	}
	return nil
}

// NotifyOnline schedules a sync after the reconnect debounce. Repeated calls
// within the debounce restart the timer.
func (s *Syncer) NotifyOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.background("reconnect")
	})
}

// Start runs Sync on the cron schedule spec, e.g. "@every 30s".
func (s *Syncer) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("syncer already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.background("schedule") }); err != nil {
		return fmt.Errorf("schedule sync %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop cancels background syncs and waits for a running scheduled one.
func (s *Syncer) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Syncer) background(trigger string) {
	ctx, cancel := context.WithTimeout(s.base, defaultRunTimeout)
	defer cancel()
	report, err := s.Sync(ctx)
	if err != nil {
		slog.Warn("background sync failed", "event_id", s.eventID, "trigger", trigger, "error", err)
		return
	}
	if report.Skipped {
		slog.Debug("background sync skipped", "event_id", s.eventID, "trigger", trigger)
	}
}
