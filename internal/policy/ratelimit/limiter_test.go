package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS = one token every 100ms; burst 1 means the first call is free.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.tagvenue.com/uk/search/event-venue?page=1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.tagvenue.com/uk/search/event-venue?page=2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://hirespace.com/Search?page=1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.tagvenue.com/uk/search/event-venue"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "second host blocked unexpectedly")
}

func TestLimiter_DisabledAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, unlimited.Wait(context.Background(), "https://hirespace.com/Search"))
	}

	slow := New(Config{DefaultRPS: 0.5, DefaultBurst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://hirespace.com/a"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, slow.Wait(ctx, "https://hirespace.com/b"))
}

func TestLimiter_HostOverrideAndThrottleFeedback(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   4,
		DefaultBurst: 1,
		HostRPS:      map[string]float64{"HireSpace.com": 2},
		MinRPS:       0.5,
	})
	require.Equal(t, rate.Limit(2), l.Limit("https://hirespace.com/Search"))
	require.Equal(t, rate.Limit(4), l.Limit("https://www.tagvenue.com/"))

	l.ReportResult("https://hirespace.com/Search", 429)
	require.Equal(t, rate.Limit(1), l.Limit("https://hirespace.com/Search"))
	l.ReportResult("https://hirespace.com/Search", 503)
	l.ReportResult("https://hirespace.com/Search", 503)
	require.Equal(t, rate.Limit(0.5), l.Limit("https://hirespace.com/Search"))

	l.ReportResult("https://www.tagvenue.com/", 200)
	require.Equal(t, rate.Limit(4), l.Limit("https://www.tagvenue.com/"))
}
