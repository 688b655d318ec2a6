package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/engine"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/store"
)

// stubScanner echoes each request after a per-ticket delay.
type stubScanner struct {
	delays   map[string]time.Duration
	panicOn  string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *stubScanner) Scan(ctx context.Context, eventID string, req model.ScanRequest) (model.ScanResult, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if req.TicketCode == s.panicOn {
		panic("boom")
	}
	select {
	case <-time.After(s.delays[req.TicketCode]):
	case <-ctx.Done():
		return model.ScanResult{IdempotencyKey: req.IdempotencyKey, Status: model.ScanError, Code: string(checkin.CodeTimeout), Retryable: true},
			checkin.New(checkin.CodeTimeout, "timed out")
	}
	return model.ScanResult{IdempotencyKey: req.IdempotencyKey, TicketCode: req.TicketCode, Status: model.ScanSuccess}, nil
}

func requests(codes ...string) []model.ScanRequest {
	reqs := make([]model.ScanRequest, len(codes))
	for i, c := range codes {
		reqs[i] = model.ScanRequest{IdempotencyKey: fmt.Sprintf("k%d", i), TicketCode: c, Direction: model.DirectionIn}
	}
	return reqs
}

func TestProcess_PreservesSubmissionOrder(t *testing.T) {
	s := &stubScanner{delays: map[string]time.Duration{
		"A": 50 * time.Millisecond,
		"B": 40 * time.Millisecond,
		"C": 30 * time.Millisecond,
		"D": 20 * time.Millisecond,
		"E": 10 * time.Millisecond,
	}}
	p := New(s)

	results := p.Process(context.Background(), "evt-1", requests("A", "B", "C", "D", "E"))

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("k%d", i), r.IdempotencyKey)
	}
	assert.Greater(t, s.peak.Load(), int32(1), "items should run in parallel")
}

func TestProcess_RespectsConcurrencyLimit(t *testing.T) {
	s := &stubScanner{delays: map[string]time.Duration{"X": 5 * time.Millisecond}}
	p := New(s, WithConcurrency(2))

	codes := make([]string, 10)
	for i := range codes {
		codes[i] = "X"
	}
	results := p.Process(context.Background(), "evt-1", requests(codes...))

	assert.Len(t, results, 10)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
}

func TestProcess_PanicIsIsolated(t *testing.T) {
	s := &stubScanner{panicOn: "BAD"}
	p := New(s)

	results := p.Process(context.Background(), "evt-1", requests("A", "BAD", "C"))

	require.Len(t, results, 3)
	assert.Equal(t, model.ScanSuccess, results[0].Status)
	assert.Equal(t, model.ScanError, results[1].Status)
	assert.Equal(t, string(checkin.CodeRetry), results[1].Code)
	assert.True(t, results[1].Retryable)
	assert.Equal(t, "k1", results[1].IdempotencyKey)
	assert.Equal(t, model.ScanSuccess, results[2].Status)
}

func TestProcess_ItemTimeoutDoesNotCancelSiblings(t *testing.T) {
	s := &stubScanner{delays: map[string]time.Duration{"SLOW": time.Second}}
	p := New(s, WithItemTimeout(20*time.Millisecond))

	results := p.Process(context.Background(), "evt-1", requests("SLOW", "FAST"))

	require.Len(t, results, 2)
	assert.Equal(t, string(checkin.CodeTimeout), results[0].Code)
	assert.True(t, results[0].Retryable)
	assert.Equal(t, model.ScanSuccess, results[1].Status)
}

func TestProcess_EmptyAndSingle(t *testing.T) {
	p := New(&stubScanner{})

	assert.Empty(t, p.Process(context.Background(), "evt-1", nil))

	results := p.Process(context.Background(), "evt-1", requests("A"))
	require.Len(t, results, 1)
	assert.Equal(t, model.ScanSuccess, results[0].Status)
}

func TestProcess_WithEngine(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.PutEvent(ctx, model.Event{ID: "evt-1"}))
	_, err = s.UpsertAttendees(ctx, []model.Attendee{
		{EventID: "evt-1", TicketCode: "T1", PaymentStatus: "completed", AllowedCheckins: 1},
		{EventID: "evt-1", TicketCode: "T2", PaymentStatus: "completed", AllowedCheckins: 1},
	})
	require.NoError(t, err)

	p := New(engine.New(s))
	reqs := []model.ScanRequest{
		{IdempotencyKey: "a", TicketCode: "T1", Direction: model.DirectionIn},
		{IdempotencyKey: "b", TicketCode: "T2", Direction: model.DirectionIn},
		{IdempotencyKey: "a", TicketCode: "T1", Direction: model.DirectionIn},
		{IdempotencyKey: "c", TicketCode: "", Direction: model.DirectionIn},
		{IdempotencyKey: "d", TicketCode: "NOPE", Direction: model.DirectionIn},
	}
	results := p.Process(ctx, "evt-1", reqs)

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, reqs[i].IdempotencyKey, r.IdempotencyKey)
	}
	assert.Equal(t, model.ScanSuccess, results[1].Status)
	assert.Equal(t, string(checkin.CodeValidation), results[3].Code)
	assert.Equal(t, string(checkin.CodeInvalid), results[4].Code)

	// One of the two "a" submissions executed, the other saw it.
	statuses := []model.ScanStatus{results[0].Status, results[2].Status}
	assert.Contains(t, statuses, model.ScanSuccess)
	assert.NotEqual(t, statuses[0], statuses[1])

	a, err := s.Attendee(ctx, "evt-1", "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CheckinsRemaining)
}
