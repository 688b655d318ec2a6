// Package batch runs many scans for one event with bounded concurrency.
//
// Items are independent: each runs the engine's reserve-then-execute
// protocol under its own timeout, a failing or panicking item never aborts
// its siblings, and results come back in submission order no matter which
// item finished first.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

const (
	DefaultConcurrency = 16
	DefaultItemTimeout = 10 * time.Second
)

// Scanner processes one scan. Implemented by *engine.Engine.
type Scanner interface {
	Scan(ctx context.Context, eventID string, req model.ScanRequest) (model.ScanResult, error)
}

// Processor fans a batch out over a worker pool.
type Processor struct {
	scanner     Scanner
	concurrency int
	itemTimeout time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency sets the worker pool size. Default: 16.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithItemTimeout sets the per-item deadline. Default: 10s.
func WithItemTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.itemTimeout = d
		}
	}
}

// New creates a Processor over s.
func New(s Scanner, opts ...Option) *Processor {
	p := &Processor{
		scanner:     s,
		concurrency: DefaultConcurrency,
		itemTimeout: DefaultItemTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ItemTimeout returns the per-item deadline. The engine's staleness
// threshold is derived from it.
func (p *Processor) ItemTimeout() time.Duration {
	return p.itemTimeout
}

// Process runs every scan and returns one result per request, in request
// order. A single request runs inline on the caller's goroutine.
func (p *Processor) Process(ctx context.Context, eventID string, reqs []model.ScanRequest) []model.ScanResult {
	if len(reqs) == 0 {
		return []model.ScanResult{}
	}
	if len(reqs) == 1 {
		return []model.ScanResult{p.processOne(ctx, eventID, reqs[0])}
	}

	results := make([]model.ScanResult, len(reqs))

	// Workers never return an error: failures are per-item results. The
	// group is used only for its concurrency limit.
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = p.processOne(ctx, eventID, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// processOne runs a single item under its own deadline and turns a panic
// into a retryable per-item error.
func (p *Processor) processOne(ctx context.Context, eventID string, req model.ScanRequest) (res model.ScanResult) {
	ictx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scan worker panicked",
				"event_id", eventID,
				"idempotency_key", req.IdempotencyKey,
				"panic", fmt.Sprint(r))
			res = model.ScanResult{
				IdempotencyKey: req.IdempotencyKey,
				TicketCode:     req.TicketCode,
				Status:         model.ScanError,
				Code:           string(checkin.CodeRetry),
				Message:        "scan worker failed, retry",
				Retryable:      true,
			}
		}
	}()

	res, err := p.scanner.Scan(ictx, eventID, req)
	if err != nil {
		slog.Debug("batch item failed",
			"event_id", eventID,
			"idempotency_key", req.IdempotencyKey,
			"code", checkin.CodeOf(err))
	}
	return res
}
