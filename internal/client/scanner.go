// Package client is the scanning device side of the sync protocol.
//
// Scanner validates scans against the local cache and queues them; Syncer
// uploads the queue, applies server results and refreshes the cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/client/cache"
	"github.com/roach88/turnstile/internal/model"
)

// DefaultReplayWindow suppresses rapid re-scans of the same ticket.
const DefaultReplayWindow = 10 * time.Second

// LocalStatus is the outcome of a scan on the device.
type LocalStatus string

const (
	// LocalAccepted: applied to the cache and queued for upload.
	LocalAccepted LocalStatus = "accepted"
	// LocalRejected: a rule failed against the cached snapshot. Nothing queued.
	LocalRejected LocalStatus = "rejected"
	// LocalSuppressed: same ticket and direction seen within the replay window.
	LocalSuppressed LocalStatus = "suppressed"
)

// LocalResult is what the operator sees right after scanning.
type LocalResult struct {
	Status         LocalStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TicketCode     string          `json:"ticket_code"`
	Direction      model.Direction `json:"direction"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Attendee       *model.Attendee `json:"attendee,omitempty"`
	// Stale is set when the snapshot is older than the cache max age.
	Stale bool `json:"stale,omitempty"`
}

// Scanner performs local-first validation. It is safe for concurrent use.
type Scanner struct {
	cache    *cache.Cache
	rules    checkin.Rules
	eventID  string
	deviceID string
	// session keeps keys of separate runs on one device apart; the replay
	// map does not survive a restart.
	session  string
	operator string

	replayWindow time.Duration
	maxAge       time.Duration
	now          func() time.Time

	mu     sync.Mutex
	recent map[replayKey]time.Time
}

type replayKey struct {
	ticket string
	dir    model.Direction
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithRules sets the admission rules. Default: checkin.DefaultRules().
func WithRules(r checkin.Rules) ScannerOption {
	return func(s *Scanner) { s.rules = r }
}

// WithReplayWindow sets the re-scan suppression window.
func WithReplayWindow(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.replayWindow = d
		}
	}
}

// WithMaxAge flags snapshots older than d as stale.
func WithMaxAge(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.maxAge = d }
}

// WithOperator stamps queued scans with an operator name.
func WithOperator(name string) ScannerOption {
	return func(s *Scanner) { s.operator = name }
}

// WithScannerClock replaces the device clock.
func WithScannerClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a scanner for eventID on deviceID.
func NewScanner(c *cache.Cache, eventID, deviceID string, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		cache:        c,
		rules:        checkin.DefaultRules(),
		eventID:      eventID,
		deviceID:     deviceID,
		session:      uuid.NewString(),
		replayWindow: DefaultReplayWindow,
		now:          time.Now,
		recent:       make(map[replayKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan validates a scan against the cached snapshot and, when it passes,
// applies the optimistic state and queues the scan. The read, the decision
// and both writes share one cache transaction.
//
// Rule failures are reported in the result, not as errors. Errors are
// reserved for invalid input and cache failures.
func (s *Scanner) Scan(ctx context.Context, ticketCode string, dir model.Direction, entrance string) (LocalResult, error) {
	code := checkin.NormalizeTicketCode(ticketCode)
	res := LocalResult{TicketCode: code, Direction: dir}
	if code == "" {
		return res, checkin.New(checkin.CodeValidation, "ticket code is required")
	}
	if !dir.Valid() {
		return res, checkin.Newf(checkin.CodeValidation, "unknown direction %q", dir)
	}

	now := s.now().UTC()
	rk := replayKey{ticket: code, dir: dir}
	if s.seenRecently(rk, now) {
		res.Status = LocalSuppressed
		res.Message = "already scanned"
		return res, nil
	}

	item := cache.QueueItem{
		IdempotencyKey: checkin.ScanSlotKey(s.deviceID+"/"+s.session, s.eventID, code, dir, now, s.replayWindow),
		EventID:        s.eventID,
		TicketCode:     code,
		Direction:      dir,
		ScannedAt:      now,
		EntranceName:   entrance,
		OperatorName:   s.operator,
	}

	var current model.Attendee
	var rejection error
	next, err := s.cache.ApplyScan(ctx, item, func(snap cache.Snapshot) (model.Attendee, error) {
		current = snap.Attendee
		res.Stale = snap.Stale(now, s.maxAge)
		d, err := checkin.Decide(s.rules, snap.Attendee, checkin.Intent{Direction: dir, At: now, Entrance: entrance})
		if err != nil {
			rejection = err
			return model.Attendee{}, err
		}
		return d.Next, nil
	})
	switch {
	case rejection != nil:
		res.Attendee = &current
		return reject(res, rejection), nil
	case errors.Is(err, cache.ErrNotFound):
		return reject(res, checkin.New(checkin.CodeInvalid, "ticket not in local cache")), nil
	case errors.Is(err, cache.ErrDuplicateKey):
		s.remember(rk, now)
		res.Status = LocalSuppressed
		res.Message = "already scanned"
		return res, nil
	case err != nil:
		return res, fmt.Errorf("queue scan: %w", err)
	}
	s.remember(rk, now)

	res.Status = LocalAccepted
	res.IdempotencyKey = item.IdempotencyKey
	res.Attendee = &next
	return res, nil
}

// Rebase re-applies a queued scan to a fresh server snapshot. It is the
// cache.RebaseFunc used after sync-down.
func (s *Scanner) Rebase(current model.Attendee, item cache.QueueItem) (model.Attendee, error) {
	d, err := checkin.Decide(s.rules, current, checkin.Intent{
		Direction: item.Direction,
		At:        item.ScannedAt,
		Entrance:  item.EntranceName,
	})
	if err != nil {
		return model.Attendee{}, err
	}
	return d.Next, nil
}

func reject(res LocalResult, err error) LocalResult {
	code := checkin.CodeOf(err)
	res.Status = LocalRejected
	res.Code = string(code)
	res.Message = checkin.OperatorMessage(code)
	return res
}

func (s *Scanner) seenRecently(k replayKey, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.recent[k]
	return ok && now.Sub(last) < s.replayWindow
}

func (s *Scanner) remember(k replayKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.recent {
		if now.Sub(at) >= s.replayWindow {
			delete(s.recent, key)
		}
	}
	s.recent[k] = now
}
