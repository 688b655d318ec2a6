package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/store"
	"github.com/roach88/turnstile/internal/testutil"
)

const testEvent = "evt-1"

func setupTestStore(t *testing.T, clock *testutil.FakeClock) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.PutEvent(ctx, model.Event{ID: testEvent, Name: "Test", Capacity: 100}))
	_, err = s.UpsertAttendees(ctx, []model.Attendee{
		{EventID: testEvent, TicketCode: "T1", TicketType: "general", PaymentStatus: "completed", AllowedCheckins: 1},
		{EventID: testEvent, TicketCode: "T2", TicketType: "general", PaymentStatus: "completed", AllowedCheckins: 3},
		{EventID: testEvent, TicketCode: "UNPAID", TicketType: "general", PaymentStatus: "pending", AllowedCheckins: 1},
	})
	require.NoError(t, err)
	return s
}

func setupEngine(t *testing.T, opts ...Option) (*Engine, *store.Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s := setupTestStore(t, clock)
	opts = append([]Option{WithClock(clock), WithPolling(3, time.Millisecond)}, opts...)
	return New(s, opts...), s, clock
}

func scanReq(key, code string, dir model.Direction) model.ScanRequest {
	return model.ScanRequest{IdempotencyKey: key, TicketCode: code, Direction: dir, EntranceName: "Main"}
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []model.OccupancyChange
}

func (n *recordingNotifier) Publish(c model.OccupancyChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

func TestEngine_ScenarioT1(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	res, err := eng.Scan(ctx, testEvent, scanReq("k1", "T1", model.DirectionIn))
	require.NoError(t, err)
	assert.Equal(t, model.ScanSuccess, res.Status)
	require.NotNil(t, res.CheckinsRemaining)
	assert.Equal(t, 0, *res.CheckinsRemaining)

	a, err := s.Attendee(ctx, testEvent, "T1")
	require.NoError(t, err)
	assert.True(t, a.IsCurrentlyInside)

	res, err = eng.Scan(ctx, testEvent, scanReq("k1", "T1", model.DirectionIn))
	require.NoError(t, err)
	assert.Equal(t, model.ScanDuplicate, res.Status)
	assert.Equal(t, a.ID, res.AttendeeID)

	res, err = eng.Scan(ctx, testEvent, scanReq("k2", "T1", model.DirectionIn))
	assert.Equal(t, checkin.CodeAlreadyInside, checkin.CodeOf(err))
	assert.Equal(t, model.ScanError, res.Status)
	assert.Equal(t, string(checkin.CodeAlreadyInside), res.Code)
	assert.False(t, res.Retryable)

	res, err = eng.Scan(ctx, testEvent, scanReq("k3", "T1", model.DirectionOut))
	require.NoError(t, err)
	assert.Equal(t, model.ScanSuccess, res.Status)

	_, err = eng.Scan(ctx, testEvent, scanReq("k4", "T1", model.DirectionIn))
	assert.Equal(t, checkin.CodeLimitExceeded, checkin.CodeOf(err))

	a, err = s.Attendee(ctx, testEvent, "T1")
	require.NoError(t, err)
	assert.False(t, a.IsCurrentlyInside)
	assert.Equal(t, 0, a.CheckinsRemaining)
}

func TestEngine_IdempotentUnderRepetition(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	const n = 5
	statuses := make([]model.ScanStatus, n)
	for i := 0; i < n; i++ {
		res, err := eng.Scan(ctx, testEvent, scanReq("same", "T2", model.DirectionIn))
		require.NoError(t, err)
		statuses[i] = res.Status
	}

	assert.Equal(t, model.ScanSuccess, statuses[0])
	for _, st := range statuses[1:] {
		assert.Equal(t, model.ScanDuplicate, st)
	}

	a, err := s.Attendee(ctx, testEvent, "T2")
	require.NoError(t, err)
	assert.Equal(t, 2, a.CheckinsRemaining, "exactly one transition")

	sessions, err := s.Sessions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestEngine_StoredRejectionIsReplayed(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Scan(ctx, testEvent, scanReq("k1", "UNPAID", model.DirectionIn))
	assert.Equal(t, checkin.CodePaymentInvalid, checkin.CodeOf(err))

	res, err := eng.Scan(ctx, testEvent, scanReq("k1", "UNPAID", model.DirectionIn))
	assert.Equal(t, checkin.CodePaymentInvalid, checkin.CodeOf(err))
	assert.Equal(t, model.ScanError, res.Status)
}

func TestEngine_ConcurrentSameTicketAdmitsOnce(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("c-%d", i)
			res, err := eng.Scan(ctx, testEvent, scanReq(key, "T2", model.DirectionIn))
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Status == model.ScanSuccess {
				success++
			} else if checkin.CodeOf(err) == checkin.CodeAlreadyInside {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, 0, eng.locks.Len(), "lock table must drain")
}

func TestEngine_ValidationBeforeReservation(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.ScanRequest
	}{
		{"missing key", scanReq("", "T1", model.DirectionIn)},
		{"missing ticket", scanReq("k1", "   ", model.DirectionIn)},
		{"bad direction", scanReq("k2", "T1", model.Direction("sideways"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.Scan(ctx, testEvent, tt.req)
			assert.Equal(t, checkin.CodeValidation, checkin.CodeOf(err))
			assert.Equal(t, string(checkin.CodeValidation), res.Code)

			if tt.req.IdempotencyKey != "" {
				_, rerr := s.ReadKey(ctx, testEvent, tt.req.IdempotencyKey)
				assert.True(t, errors.Is(rerr, model.ErrNotFound), "no reservation for invalid scans")
			}
		})
	}
}

func TestEngine_EventGate(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Scan(ctx, "nope", scanReq("k1", "T1", model.DirectionIn))
	assert.Equal(t, checkin.CodeEventNotFound, checkin.CodeOf(err))

	require.NoError(t, s.SetEventStatus(ctx, testEvent, model.EventArchived))
	_, err = eng.Scan(ctx, testEvent, scanReq("k1", "T1", model.DirectionIn))
	assert.Equal(t, checkin.CodeEventArchived, checkin.CodeOf(err))
}

func TestEngine_UnknownTicketIsTerminal(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Scan(ctx, testEvent, scanReq("k1", "GHOST", model.DirectionIn))
	assert.Equal(t, checkin.CodeInvalid, checkin.CodeOf(err))

	row, err := s.ReadKey(ctx, testEvent, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.LedgerError, row.Result)
	assert.Equal(t, string(checkin.CodeInvalid), row.Metadata.Code)
}

func TestEngine_KeyReuseForDifferentScan(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionIn))
	require.NoError(t, err)

	res, err := eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionOut))
	assert.Equal(t, checkin.CodeIdempotencyMismatch, checkin.CodeOf(err))
	assert.Equal(t, model.ScanError, res.Status)
}

func TestEngine_PendingNotStaleIsInProgress(t *testing.T) {
	eng, s, _ := setupEngine(t)
	ctx := context.Background()

	req := scanReq("k1", "T2", model.DirectionIn)
	_, err := s.ReserveKey(ctx, model.LedgerEntry{
		EventID:        testEvent,
		IdempotencyKey: "k1",
		Metadata: model.LedgerMetadata{
			Direction:   model.DirectionIn,
			TicketCode:  "T2",
			Fingerprint: checkin.Fingerprint("T2", model.DirectionIn),
		},
	})
	require.NoError(t, err)

	res, err := eng.Scan(ctx, testEvent, req)
	assert.Equal(t, checkin.CodeInProgress, checkin.CodeOf(err))
	assert.True(t, res.Retryable)
}

func TestEngine_StaleReservationIsReclaimed(t *testing.T) {
	eng, s, clock := setupEngine(t)
	ctx := context.Background()

	req := scanReq("k1", "T2", model.DirectionIn)
	_, err := s.ReserveKey(ctx, model.LedgerEntry{
		EventID:        testEvent,
		IdempotencyKey: "k1",
		Metadata: model.LedgerMetadata{
			Direction:   model.DirectionIn,
			TicketCode:  "T2",
			Fingerprint: checkin.Fingerprint("T2", model.DirectionIn),
		},
	})
	require.NoError(t, err)

	clock.Advance(StaleAfter(DefaultProcessingTimeout) + time.Second)

	res, err := eng.Scan(ctx, testEvent, req)
	assert.Equal(t, checkin.CodeRetry, checkin.CodeOf(err))
	assert.True(t, res.Retryable)

	// The retry with the same key now executes.
	res, err = eng.Scan(ctx, testEvent, req)
	require.NoError(t, err)
	assert.Equal(t, model.ScanSuccess, res.Status)
}

func TestEngine_NotifiesOnAcceptance(t *testing.T) {
	n := &recordingNotifier{}
	eng, _, _ := setupEngine(t, WithNotifier(n))
	ctx := context.Background()

	_, err := eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionIn))
	require.NoError(t, err)
	_, _ = eng.Scan(ctx, testEvent, scanReq("k2", "T2", model.DirectionIn)) // rejected

	require.Len(t, n.changes, 1)
	assert.Equal(t, testEvent, n.changes[0].EventID)
	assert.Equal(t, model.DirectionIn, n.changes[0].Direction)
	assert.Equal(t, "Main", n.changes[0].Entrance)
}

func TestEngine_DecisionTime(t *testing.T) {
	eng, _, clock := setupEngine(t)
	now := clock.Now()

	assert.Equal(t, now, eng.decisionTime(time.Time{}))
	past := now.Add(-time.Hour)
	assert.Equal(t, past, eng.decisionTime(past))
	assert.Equal(t, now, eng.decisionTime(now.Add(DefaultMaxClockSkew+time.Second)))
}

func TestStaleAfter(t *testing.T) {
	assert.Equal(t, MinStaleAfter, StaleAfter(time.Second))
	assert.Equal(t, 40*time.Second, StaleAfter(20*time.Second))
}

// panickingStore panics inside Transition after the reservation was made.
type panickingStore struct {
	*store.Store
}

func (p panickingStore) Transition(context.Context, model.LedgerEntry, checkin.DecideFunc) (model.Attendee, error) {
	panic("disk vanished")
}

func TestEngine_PanicReleasesReservation(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	s := setupTestStore(t, clock)
	eng := New(panickingStore{s}, WithClock(clock))
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionIn))
	})

	_, err := s.ReadKey(ctx, testEvent, "k1")
	assert.True(t, errors.Is(err, model.ErrNotFound), "reservation must be released")
	assert.Equal(t, 0, eng.locks.Len())
}

// stolenKeyStore hands the reservation to another submission before the
// transition runs, as a stale reclaim followed by a retry would.
type stolenKeyStore struct {
	*store.Store
}

func (s stolenKeyStore) Transition(ctx context.Context, entry model.LedgerEntry, decide checkin.DecideFunc) (model.Attendee, error) {
	if err := s.Store.ReleaseKey(ctx, entry.EventID, entry.IdempotencyKey, entry.Metadata.Lease); err != nil {
		return model.Attendee{}, err
	}
	other := entry
	other.Metadata.Lease = "other-submission"
	if _, err := s.Store.ReserveKey(ctx, other); err != nil {
		return model.Attendee{}, err
	}
	return s.Store.Transition(ctx, entry, decide)
}

func TestEngine_LostReservationIsRetryable(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	s := setupTestStore(t, clock)
	eng := New(stolenKeyStore{s}, WithClock(clock))
	ctx := context.Background()

	res, err := eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionIn))
	assert.Equal(t, checkin.CodeRetry, checkin.CodeOf(err))
	assert.True(t, res.Retryable)

	row, err := s.ReadKey(ctx, testEvent, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPending, row.Result)
	assert.Equal(t, "other-submission", row.Metadata.Lease)

	a, err := s.Attendee(ctx, testEvent, "T2")
	require.NoError(t, err)
	assert.Equal(t, 3, a.CheckinsRemaining)
	assert.False(t, a.IsCurrentlyInside)
}

func TestEngine_CancelledContextReleasesReservation(t *testing.T) {
	eng, s, _ := setupEngine(t)

	// Hold the ticket lock so the scan blocks on acquisition.
	unlock, err := eng.locks.Lock(context.Background(), testEvent+"\x00T2")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := eng.Scan(ctx, testEvent, scanReq("k1", "T2", model.DirectionIn))
	assert.Equal(t, checkin.CodeTimeout, checkin.CodeOf(err))
	assert.True(t, res.Retryable)

	_, err = s.ReadKey(context.Background(), testEvent, "k1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
