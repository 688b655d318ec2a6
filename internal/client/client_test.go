package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/turnstile/internal/client/cache"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/testutil"
)

const testEvent = "evt-1"

func openCache(t *testing.T, clock *testutil.FakeClock) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "client.db"), cache.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func snapshot(code string, allowed int, payment string) model.Attendee {
	return model.Attendee{
		ID:                "id-" + code,
		EventID:           testEvent,
		TicketCode:        code,
		TicketType:        "general",
		PaymentStatus:     payment,
		AllowedCheckins:   allowed,
		CheckinsRemaining: allowed,
		UpdatedAt:         testutil.Epoch,
	}
}

func seedCache(t *testing.T, c *cache.Cache, attendees ...model.Attendee) {
	t.Helper()
	_, err := c.ApplySyncDown(context.Background(), testEvent, model.SyncDownResponse{
		ServerTime: testutil.Epoch,
		Attendees:  attendees,
		Count:      len(attendees),
		SyncType:   model.SyncFull,
	}, nil)
	require.NoError(t, err)
}

// fakeRemote answers sync calls from canned functions and records uploads.
type fakeRemote struct {
	mu       sync.Mutex
	uploads  [][]model.ScanRequest
	sinces   []*time.Time
	upFn     func(scans []model.ScanRequest) model.SyncUpResponse
	downResp model.SyncDownResponse
	block    chan struct{}
	calls    chan struct{}
}

func (f *fakeRemote) SyncUp(ctx context.Context, scans []model.ScanRequest) (model.SyncUpResponse, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, scans)
	f.mu.Unlock()
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.SyncUpResponse{}, ctx.Err()
		}
	}
	if f.upFn != nil {
		return f.upFn(scans), nil
	}
	return acceptAll(scans), nil
}

func (f *fakeRemote) SyncDown(_ context.Context, since *time.Time) (model.SyncDownResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	resp := f.downResp
	if resp.SyncType == "" {
		resp.SyncType = model.SyncIncremental
		resp.ServerTime = testutil.Epoch.Add(time.Hour)
	}
	return resp, nil
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func acceptAll(scans []model.ScanRequest) model.SyncUpResponse {
	results := make([]model.ScanResult, len(scans))
	for i, s := range scans {
		results[i] = model.ScanResult{IdempotencyKey: s.IdempotencyKey, Status: model.ScanSuccess}
	}
	return model.SyncUpResponse{Results: results, Processed: len(results)}
}

func cacheOpen(t *testing.T) (*cache.Cache, error) {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "device.db"))
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}
