package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/turnstile/internal/auth"
	"github.com/roach88/turnstile/internal/batch"
	"github.com/roach88/turnstile/internal/engine"
	"github.com/roach88/turnstile/internal/httpapi"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/occupancy"
	"github.com/roach88/turnstile/internal/store"
	"github.com/roach88/turnstile/internal/testutil"
)

func TestSync_QueueNonLoss(t *testing.T) {
	s, _ := newTestScanner(t)
	ctx := context.Background()

	accepted, err := s.Scan(ctx, "T1", model.DirectionIn, "Main")
	require.NoError(t, err)
	rejected, err := s.Scan(ctx, "T2", model.DirectionIn, "Main")
	require.NoError(t, err)

	remote := &fakeRemote{upFn: func(scans []model.ScanRequest) model.SyncUpResponse {
		return model.SyncUpResponse{Results: []model.ScanResult{
			{IdempotencyKey: scans[0].IdempotencyKey, Status: model.ScanSuccess},
			{IdempotencyKey: scans[1].IdempotencyKey, Status: model.ScanError, Code: "PAYMENT_INVALID", Message: "payment not completed"},
		}, Processed: 2}
	}}
	syncer := NewSyncer(s.cache, remote, testEvent)

	report, err := syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, 1, report.Reconciled.Removed)
	assert.Equal(t, 1, report.Reconciled.Rejected)

	_, err = s.cache.QueueItem(ctx, accepted.IdempotencyKey)
	assert.Error(t, err, "accepted scan leaves the queue")

	item, err := s.cache.QueueItem(ctx, rejected.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "payment not completed", item.ErrorMessage)

	// Rejected items are not uploaded again.
	_, err = syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.uploadCount())
}

func TestSync_RetryableStaysPendingWithoutLooping(t *testing.T) {
	s, _ := newTestScanner(t)
	ctx := context.Background()

	res, err := s.Scan(ctx, "T1", model.DirectionIn, "Main")
	require.NoError(t, err)

	remote := &fakeRemote{upFn: func(scans []model.ScanRequest) model.SyncUpResponse {
		return model.SyncUpResponse{Results: []model.ScanResult{
			{IdempotencyKey: scans[0].IdempotencyKey, Status: model.ScanError, Code: "IN_PROGRESS", Retryable: true},
		}, Processed: 1}
	}}
	syncer := NewSyncer(s.cache, remote, testEvent, WithBatchSize(1))

	report, err := syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled.Retrying)
	assert.Equal(t, 1, remote.uploadCount())

	item, err := s.cache.QueueItem(ctx, res.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
}

func TestSync_UsesServerWatermark(t *testing.T) {
	s, _ := newTestScanner(t)
	ctx := context.Background()
	remote := &fakeRemote{}
	syncer := NewSyncer(s.cache, remote, testEvent)

	_, err := syncer.Sync(ctx)
	require.NoError(t, err)
	_, err = syncer.Sync(ctx)
	require.NoError(t, err)

	require.Len(t, remote.sinces, 2)
	require.NotNil(t, remote.sinces[0])
	assert.Equal(t, testutil.Epoch, *remote.sinces[0], "seeded watermark")
	require.NotNil(t, remote.sinces[1])
	assert.Equal(t, testutil.Epoch.Add(time.Hour), *remote.sinces[1])
}

func TestSync_SingleFlight(t *testing.T) {
	s, _ := newTestScanner(t)
	ctx := context.Background()
	_, err := s.Scan(ctx, "T1", model.DirectionIn, "Main")
	require.NoError(t, err)

	remote := &fakeRemote{block: make(chan struct{}), calls: make(chan struct{}, 1)}
	syncer := NewSyncer(s.cache, remote, testEvent)

	done := make(chan Report)
	go func() {
		r, _ := syncer.Sync(ctx)
		done <- r
	}()
	<-remote.calls

	second, err := syncer.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(remote.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, remote.uploadCount())
}

func TestSyncer_NotifyOnlineDebounces(t *testing.T) {
	s, _ := newTestScanner(t)
	ctx := context.Background()
	_, err := s.Scan(ctx, "T1", model.DirectionIn, "Main")
	require.NoError(t, err)

	remote := &fakeRemote{calls: make(chan struct{}, 4)}
	syncer := NewSyncer(s.cache, remote, testEvent, WithReconnectDebounce(20*time.Millisecond))
	defer syncer.Stop()

	for i := 0; i < 5; i++ {
		syncer.NotifyOnline()
	}

	select {
	case <-remote.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger a sync")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, remote.uploadCount())
}

func TestSyncer_StartRejectsBadSpec(t *testing.T) {
	s, _ := newTestScanner(t)
	syncer := NewSyncer(s.cache, &fakeRemote{}, testEvent)
	defer syncer.Stop()

	assert.Error(t, syncer.Start("every now and then"))
	require.NoError(t, syncer.Start("@every 1h"))
	assert.Error(t, syncer.Start("@every 1h"))
}

// liveServer runs the real HTTP API over a fresh store.
func liveServer(t *testing.T, attendees ...model.Attendee) (*httptest.Server, *store.Store, *auth.Issuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.PutEvent(ctx, model.Event{ID: testEvent, Name: "Expo", Capacity: 10}))
	_, err = st.UpsertAttendees(ctx, attendees)
	require.NoError(t, err)

	cache := occupancy.NewCache(st, time.Second)
	eng := engine.New(st)
	srv := httptest.NewServer(httpapi.New(httpapi.Config{
		Scanner:   eng,
		Batch:     batch.New(eng),
		Attendees: st,
		Occupancy: cache,
		Feed:      occupancy.NewHub(cache),
		Verifier:  auth.NewVerifier("secret"),
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, st, auth.NewIssuer("secret", time.Hour)
}

func device(t *testing.T, srv *httptest.Server, issuer *auth.Issuer, id string) (*Scanner, *Syncer) {
	t.Helper()
	c, err := cacheOpen(t)
	require.NoError(t, err)
	tok, err := issuer.Issue(testEvent, auth.RoleScanner, id)
	require.NoError(t, err)

	scanner := NewScanner(c, testEvent, id)
	syncer := NewSyncer(c, NewAPIClient(srv.URL, tok, 5*time.Second), testEvent, WithRebase(scanner.Rebase))
	t.Cleanup(syncer.Stop)
	return scanner, syncer
}

func TestSync_RoundTripAgainstServer(t *testing.T) {
	t1 := model.Attendee{EventID: testEvent, TicketCode: "T1", TicketType: "general", PaymentStatus: "completed", AllowedCheckins: 1}
	t2 := model.Attendee{EventID: testEvent, TicketCode: "T2", TicketType: "general", PaymentStatus: "completed", AllowedCheckins: 2}
	srv, st, issuer := liveServer(t, t1, t2)
	ctx := context.Background()

	gateA, syncA := device(t, srv, issuer, "gate-a")
	gateB, syncB := device(t, srv, issuer, "gate-b")

	report, err := syncA.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFull, report.SyncType)
	assert.Equal(t, 2, report.Applied.Replaced)
	_, err = syncB.Sync(ctx)
	require.NoError(t, err)

	// Both stations admit T1 while offline.
	a, err := gateA.Scan(ctx, "T1", model.DirectionIn, "North")
	require.NoError(t, err)
	require.Equal(t, LocalAccepted, a.Status)
	b, err := gateB.Scan(ctx, "T1", model.DirectionIn, "South")
	require.NoError(t, err)
	require.Equal(t, LocalAccepted, b.Status)

	report, err = syncA.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled.Removed)
	assert.Equal(t, model.SyncIncremental, report.SyncType)
	assert.Equal(t, 1, report.Applied.Replaced, "only T1 changed on the server")

	report, err = syncB.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled.Rejected)

	item, err := gateB.cache.QueueItem(ctx, b.IdempotencyKey)
	require.NoError(t, err, "rejected scan must stay queued")
	assert.Equal(t, "ALREADY_INSIDE", item.ErrorCode)

	conflicts, err := gateB.cache.Conflicts(ctx, testEvent, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "T1", conflicts[0].TicketCode)

	server, err := st.Attendee(ctx, testEvent, "T1")
	require.NoError(t, err)
	assert.True(t, server.IsCurrentlyInside)
	assert.Equal(t, 0, server.CheckinsRemaining)

	local, err := gateB.cache.Attendee(ctx, testEvent, "T1")
	require.NoError(t, err)
	assert.Equal(t, server.UpdatedAt, local.Attendee.UpdatedAt)
}
