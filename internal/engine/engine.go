package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

// Defaults for the duplicate-resolution and lease protocol.
const (
	DefaultPollAttempts      = 10
	DefaultPollInterval      = 25 * time.Millisecond
	DefaultProcessingTimeout = 10 * time.Second
	MinStaleAfter            = 15 * time.Second
	DefaultMaxClockSkew      = 2 * time.Minute

	releaseTimeout = 5 * time.Second
)

// Store is the durable state the engine needs.
// Implemented by store.Store (SQLite) and postgres.Store.
type Store interface {
	Event(ctx context.Context, id string) (model.Event, error)
	ReserveKey(ctx context.Context, entry model.LedgerEntry) (bool, error)
	ReadKey(ctx context.Context, eventID, key string) (model.LedgerEntry, error)
	ReleaseKey(ctx context.Context, eventID, key, lease string) error
	ReclaimStaleKey(ctx context.Context, eventID, key string, observedUpdatedAt time.Time) (bool, error)
	CompleteKey(ctx context.Context, entry model.LedgerEntry) error
	Transition(ctx context.Context, entry model.LedgerEntry, decide checkin.DecideFunc) (model.Attendee, error)
}

// Notifier receives a change after every accepted transition.
// Publish must not block.
type Notifier interface {
	Publish(change model.OccupancyChange)
}

// Engine processes individual scans. It is safe for concurrent use.
type Engine struct {
	store    Store
	rules    checkin.Rules
	clock    Clock
	notifier Notifier
	locks    *keyedMutex
	validate *validator.Validate

	pollAttempts int
	pollInterval time.Duration
	staleAfter   time.Duration
	maxSkew      time.Duration
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithRules sets the admission rules. Default: checkin.DefaultRules().
func WithRules(r checkin.Rules) Option {
	return func(e *Engine) {
		e.rules = r
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithNotifier sets the occupancy change observer.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithPolling sets how often a duplicate submission re-reads a pending row.
//
// Default: 10 attempts, 25ms apart.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.pollAttempts = attempts
		}
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithProcessingTimeout derives the staleness threshold for pending rows:
// max(2 × timeout, 15s).
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.staleAfter = StaleAfter(timeout)
	}
}

// WithMaxClockSkew bounds how far in the future a client scanned_at may be
// before the engine falls back to its own clock.
func WithMaxClockSkew(d time.Duration) Option {
	return func(e *Engine) {
		e.maxSkew = d
	}
}

// StaleAfter returns the lease expiry for a given processing timeout.
func StaleAfter(processingTimeout time.Duration) time.Duration {
	if d := 2 * processingTimeout; d > MinStaleAfter {
		return d
	}
	return MinStaleAfter
}

// New creates an Engine over s.
func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		rules:        checkin.DefaultRules(),
		clock:        SystemClock{},
		locks:        newKeyedMutex(),
		validate:     validator.New(),
		pollAttempts: DefaultPollAttempts,
		pollInterval: DefaultPollInterval,
		staleAfter:   StaleAfter(DefaultProcessingTimeout),
		maxSkew:      DefaultMaxClockSkew,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the admission rules the engine decides with.
func (e *Engine) Rules() checkin.Rules {
	return e.rules
}

// Scan processes one scan for eventID.
//
// The returned result is always populated. A nil error means status success
// or duplicate; otherwise the error is a *checkin.Error whose code matches
// result.Code. Stored rejections are returned again on resubmission.
func (e *Engine) Scan(ctx context.Context, eventID string, req model.ScanRequest) (model.ScanResult, error) {
	res := model.ScanResult{IdempotencyKey: req.IdempotencyKey, TicketCode: req.TicketCode}

	req, err := e.normalize(req)
	if err != nil {
		return failed(res, err)
	}
	res.TicketCode = req.TicketCode

	if err := e.gate(ctx, eventID); err != nil {
		return failed(res, err)
	}

	entry := model.LedgerEntry{
		EventID:        eventID,
		IdempotencyKey: req.IdempotencyKey,
		Result:         model.LedgerPending,
		Metadata: model.LedgerMetadata{
			Direction:   req.Direction,
			TicketCode:  req.TicketCode,
			Fingerprint: checkin.Fingerprint(req.TicketCode, req.Direction),
			Lease:       uuid.NewString(),
			SubmittedAt: e.clock.Now(),
		},
	}

	owned, err := e.store.ReserveKey(ctx, entry)
	if err != nil {
		return failed(res, classify(err, "reserve idempotency key"))
	}
	if !owned {
		return e.awaitExisting(ctx, entry, req, res)
	}
	return e.execute(ctx, entry, req, res)
}

func (e *Engine) normalize(req model.ScanRequest) (model.ScanRequest, error) {
	req.TicketCode = checkin.NormalizeTicketCode(req.TicketCode)
	req.EntranceName = checkin.NormalizeTicketCode(req.EntranceName)
	if err := e.validate.Struct(req); err != nil {
		return req, validationError(err)
	}
	return req, nil
}

func (e *Engine) gate(ctx context.Context, eventID string) error {
	ev, err := e.store.Event(ctx, eventID)
	if errors.Is(err, model.ErrNotFound) {
		return checkin.Newf(checkin.CodeEventNotFound, "event %q not found", eventID)
	}
	if err != nil {
		return classify(err, "read event")
	}
	if ev.Status == model.EventArchived {
		return checkin.Newf(checkin.CodeEventArchived, "event %q is archived", eventID)
	}
	return nil
}

// execute runs the owner path. Every exit that leaves the row pending
// releases it.
func (e *Engine) execute(ctx context.Context, entry model.LedgerEntry, req model.ScanRequest, res model.ScanResult) (model.ScanResult, error) {
	settled := false
	defer func() {
		if settled {
			return
		}
		e.release(ctx, entry)
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	unlock, err := e.locks.Lock(ctx, entry.EventID+"\x00"+req.TicketCode)
	if err != nil {
		return failed(res, classify(err, "acquire ticket lock"))
	}
	defer unlock()

	intent := checkin.Intent{
		Direction: req.Direction,
		At:        e.decisionTime(req.ScannedAt),
		Entrance:  req.EntranceName,
	}
	attendee, err := e.store.Transition(ctx, entry, func(current model.Attendee) (checkin.Decision, error) {
		return checkin.Decide(e.rules, current, intent)
	})

	switch {
	case err == nil:
		settled = true
		remaining := attendee.CheckinsRemaining
		res.Status = model.ScanSuccess
		res.AttendeeID = attendee.ID
		res.CheckinsRemaining = &remaining
		slog.Debug("scan accepted",
			"event_id", entry.EventID,
			"idempotency_key", entry.IdempotencyKey,
			"ticket_code", req.TicketCode,
			"direction", req.Direction)
		e.publish(entry.EventID, req, intent.At)
		return res, nil

	case errors.Is(err, model.ErrReservationLost):
		// Another submission owns the key now; its row is not ours to touch.
		settled = true
		return e.lost(entry, res, "apply transition")

	case errors.Is(err, model.ErrNotFound):
		err = checkin.Newf(checkin.CodeInvalid, "ticket %q not found", req.TicketCode)
		fallthrough

	case checkin.IsRejection(err):
		var ce *checkin.Error
		errors.As(err, &ce)
		entry.Result = model.LedgerError
		entry.Metadata.Code = string(ce.Code)
		entry.Metadata.Message = ce.Message
		now := e.clock.Now()
		entry.Metadata.ProcessedAt = &now
		if cerr := e.store.CompleteKey(ctx, entry); cerr != nil {
			if errors.Is(cerr, model.ErrReservationLost) {
				settled = true
				return e.lost(entry, res, "record rejection")
			}
			return failed(res, classify(cerr, "record rejection"))
		}
		settled = true
		slog.Debug("scan rejected",
			"event_id", entry.EventID,
			"idempotency_key", entry.IdempotencyKey,
			"ticket_code", req.TicketCode,
			"code", ce.Code)
		return failed(res, ce)

	default:
		var ce *checkin.Error
		if !errors.As(err, &ce) {
			ce = classify(err, "apply transition")
		}
		slog.Error("scan failed",
			"event_id", entry.EventID,
			"idempotency_key", entry.IdempotencyKey,
			"error", err)
		return failed(res, ce)
	}
}

// lost reports a reservation that was reclaimed while this submission held
// it. Nothing is written; the client retries with the same key.
func (e *Engine) lost(entry model.LedgerEntry, res model.ScanResult, op string) (model.ScanResult, error) {
	slog.Warn("reservation lost before completion",
		"event_id", entry.EventID,
		"idempotency_key", entry.IdempotencyKey,
		"op", op)
	return failed(res, checkin.New(checkin.CodeRetry, "reservation was reclaimed, retry"))
}

// release deletes a reservation this caller owns. It runs detached from
// the caller's cancellation with its own deadline.
func (e *Engine) release(ctx context.Context, entry model.LedgerEntry) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.store.ReleaseKey(rctx, entry.EventID, entry.IdempotencyKey, entry.Metadata.Lease); err != nil {
		slog.Error("failed to release reservation",
			"event_id", entry.EventID,
			"idempotency_key", entry.IdempotencyKey,
			"error", err)
	}
}

// awaitExisting resolves a submission whose key is already reserved.
func (e *Engine) awaitExisting(ctx context.Context, entry model.LedgerEntry, req model.ScanRequest, res model.ScanResult) (model.ScanResult, error) {
	var row model.LedgerEntry
	for attempt := 0; attempt < e.pollAttempts; attempt++ {
		var err error
		row, err = e.store.ReadKey(ctx, entry.EventID, entry.IdempotencyKey)
		if errors.Is(err, model.ErrNotFound) {
			// Owner released the key; take it over.
			owned, rerr := e.store.ReserveKey(ctx, entry)
			if rerr != nil {
				return failed(res, classify(rerr, "reserve idempotency key"))
			}
			if owned {
				return e.execute(ctx, entry, req, res)
			}
			continue
		}
		if err != nil {
			return failed(res, classify(err, "read idempotency key"))
		}

		if fp := row.Metadata.Fingerprint; fp != "" && fp != entry.Metadata.Fingerprint {
			return failed(res, checkin.New(checkin.CodeIdempotencyMismatch,
				"idempotency key was already used for a different scan"))
		}
		if row.Result.Terminal() {
			return storedResult(row, res)
		}

		if attempt < e.pollAttempts-1 {
			select {
			case <-ctx.Done():
				return failed(res, classify(ctx.Err(), "await pending scan"))
			case <-time.After(e.pollInterval):
			}
		}
	}

	if row.Result != model.LedgerPending {
		return failed(res, checkin.New(checkin.CodeRetry, "reservation changed hands, retry"))
	}

	if age := e.clock.Now().Sub(row.UpdatedAt); age >= e.staleAfter {
		reclaimed, err := e.store.ReclaimStaleKey(ctx, entry.EventID, entry.IdempotencyKey, row.UpdatedAt)
		if err != nil {
			return failed(res, classify(err, "reclaim stale reservation"))
		}
		if reclaimed {
			slog.Warn("reclaimed abandoned reservation",
				"event_id", entry.EventID,
				"idempotency_key", entry.IdempotencyKey,
				"age", age)
		}
		return failed(res, checkin.New(checkin.CodeRetry, "previous attempt was abandoned, retry"))
	}
	return failed(res, checkin.New(checkin.CodeInProgress, "scan is still being processed"))
}

// storedResult answers a duplicate from the terminal ledger row.
func storedResult(row model.LedgerEntry, res model.ScanResult) (model.ScanResult, error) {
	if row.Result == model.LedgerSuccess {
		res.Status = model.ScanDuplicate
		res.AttendeeID = row.Metadata.AttendeeID
		res.CheckinsRemaining = row.Metadata.CheckinsRemaining
		res.Message = "scan already processed"
		return res, nil
	}
	return failed(res, checkin.New(checkin.Code(row.Metadata.Code), row.Metadata.Message))
}

// decisionTime picks the instant the scan is judged at. Offline scans keep
// their device timestamp; timestamps too far in the future are not trusted.
func (e *Engine) decisionTime(scannedAt time.Time) time.Time {
	now := e.clock.Now()
	if scannedAt.IsZero() || scannedAt.After(now.Add(e.maxSkew)) {
		return now
	}
	return scannedAt.UTC()
}

func (e *Engine) publish(eventID string, req model.ScanRequest, at time.Time) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(model.OccupancyChange{
		EventID:    eventID,
		TicketCode: req.TicketCode,
		Direction:  req.Direction,
		Entrance:   req.EntranceName,
		At:         at,
	})
}
