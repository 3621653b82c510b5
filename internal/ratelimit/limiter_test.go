package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimiterWindowNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	const window = 200 * time.Millisecond
	l := New(Config{MaxRequestsPerSecond: 3, MaxConcurrent: 10, TimeWindow: window}, zap.NewNop())

	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 10)
	// Allow a little slack for scheduling between reserve and the recorded stamp.
	for i, a := range stamps {
		inWindow := 0
		for _, b := range stamps[i:] {
			d := b.Sub(a)
			if d < 0 {
				d = -d
			}
			if d < window-20*time.Millisecond {
				inWindow++
			}
		}
		require.LessOrEqual(t, inWindow, 3)
	}
}

func TestLimiterDefersPastFirstWindow(t *testing.T) {
	t.Parallel()

	const window = 250 * time.Millisecond
	l := New(Config{MaxRequestsPerSecond: 2, MaxConcurrent: 5, TimeWindow: window}, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			l.Release()
		}()
	}
	wg.Wait()

	// Five acquisitions at two per window need three windows: 0, w, 2w.
	require.GreaterOrEqual(t, time.Since(start), 2*window)
}

func TestLimiterConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequestsPerSecond: 100, MaxConcurrent: 1, TimeWindow: time.Second}, nil)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()
}

func TestLimiterAcquireHonoursCancellationWhileWindowFull(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequestsPerSecond: 1, MaxConcurrent: 5, TimeWindow: time.Hour}, nil)
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Acquire(ctx), context.Canceled)
}

func TestLimiterFractionalRateRoundsUp(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxRequestsPerSecond: 2.5, MaxConcurrent: 5, TimeWindow: time.Second}, nil)
	require.Equal(t, 3, l.limit)
}

func TestHostLimiterIsolatesHosts(t *testing.T) {
	t.Parallel()

	h := NewHostLimiter(10, 1)
	ctx := context.Background()

	require.NoError(t, h.Wait(ctx, "https://a.example.com/x"))
	start := time.Now()
	require.NoError(t, h.Wait(ctx, "https://b.example.com/x"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	require.NoError(t, h.Wait(ctx, "https://a.example.com/y"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestHostLimiterDisabled(t *testing.T) {
	t.Parallel()

	h := NewHostLimiter(0, 0)
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Wait(context.Background(), "https://example.com"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
