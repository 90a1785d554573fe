package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterDisabledWhenZeroInterval(t *testing.T) {
	l := NewLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterReservesSlotsInOrder(t *testing.T) {
	l := NewLimiter(time.Second)

	// Fixed clock: the first waiter takes the immediate slot, every
	// further waiter reserves one full interval later.
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.clk = func() time.Time { return now }

	// First call reserves "now" and does not sleep.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, now, l.last)

	// Second reservation lands one interval later.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, now.Add(time.Second), l.last, "the slot is reserved even when the wait is cancelled")
}

func TestLimiterHonorsCancellation(t *testing.T) {
	l := NewLimiter(time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
