package occupancy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/testutil"
)

type countingSource struct {
	calls  atomic.Int32
	inside atomic.Int32
	delay  time.Duration
}

func (s *countingSource) Occupancy(ctx context.Context, eventID string) (model.Occupancy, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return model.Occupancy{EventID: eventID, Inside: int(s.inside.Load())}, nil
}

func TestCache_ServesWithinTTL(t *testing.T) {
	src := &countingSource{}
	clock := testutil.NewFakeClock(time.Time{})
	c := NewCache(src, 2*time.Second)
	c.now = clock.Now
	ctx := context.Background()

	src.inside.Store(3)
	occ, err := c.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 3, occ.Inside)

	src.inside.Store(4)
	occ, err = c.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 3, occ.Inside, "cached value within TTL")
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(2 * time.Second)
	occ, err = c.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 4, occ.Inside)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCache_ConcurrentMissesShareOneQuery(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	c := NewCache(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "evt-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

// gatedSource blocks until release is closed, or its context ends.
type gatedSource struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) Occupancy(ctx context.Context, eventID string) (model.Occupancy, error) {
	if s.calls.Add(1) == 1 {
		close(s.started)
	}
	select {
	case <-ctx.Done():
		return model.Occupancy{}, ctx.Err()
	case <-s.release:
		return model.Occupancy{EventID: eventID, Inside: 7}, nil
	}
}

func TestCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(src, time.Minute)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "evt-1")
		firstErr <- err
	}()
	<-src.started

	type result struct {
		occ model.Occupancy
		err error
	}
	second := make(chan result, 1)
	go func() {
		occ, err := c.Get(context.Background(), "evt-1")
		second <- result{occ, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// Let the second caller join the in-flight computation before it ends.
	time.Sleep(10 * time.Millisecond)
	close(src.release)

	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, 7, r.occ.Inside)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestHub_PublishInvalidatesAndFansOut(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, time.Minute)
	h := NewHub(c)
	ctx := context.Background()

	_, err := c.Get(ctx, "evt-1")
	require.NoError(t, err)

	ch, cancel := h.Subscribe("evt-1")
	defer cancel()
	other, cancelOther := h.Subscribe("evt-2")
	defer cancelOther()

	src.inside.Store(1)
	h.Publish(model.OccupancyChange{EventID: "evt-1", TicketCode: "T1", Direction: model.DirectionIn})

	select {
	case got := <-ch:
		assert.Equal(t, "T1", got.TicketCode)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case <-other:
		t.Fatal("change leaked to another event")
	default:
	}

	occ, err := c.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, occ.Inside, "publish must invalidate the cache")
}

func TestHub_SlowSubscriberNeverBlocks(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe("evt-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			h.Publish(model.OccupancyChange{EventID: "evt-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_CancelAndClose(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe("evt-1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")

	ch2, _ := h.Subscribe("evt-1")
	h.Close()
	_, ok = <-ch2
	assert.False(t, ok, "close disconnects subscribers")

	ch3, _ := h.Subscribe("evt-1")
	_, ok = <-ch3
	assert.False(t, ok, "subscribe after close returns a closed channel")
}
