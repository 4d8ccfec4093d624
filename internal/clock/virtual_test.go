package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtual_NeverMovesBackwards(t *testing.T) {
	c := NewVirtual(epoch)

	c.AdvanceTo(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, c.Now())

	c.Advance(-time.Minute)
	assert.Equal(t, epoch, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(time.Minute), c.Now())
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), Millis(c))
}

func TestVirtual_WaitUntilPastReturnsImmediately(t *testing.T) {
	c := NewVirtual(epoch)
	require.NoError(t, c.WaitUntil(context.Background(), epoch.Add(-time.Second)))
	require.NoError(t, c.WaitUntil(context.Background(), epoch))
	assert.Equal(t, 0, c.Waiters())
}

func TestVirtual_ReleasesWaitersInTimestampOrder(t *testing.T) {
	c := NewVirtual(epoch)
	ctx := context.Background()

	deadlines := []time.Duration{30 * time.Second, 10 * time.Second, 20 * time.Second}
	done := make(map[time.Duration]chan struct{})
	var wg sync.WaitGroup
	for _, d := range deadlines {
		ch := make(chan struct{})
		done[d] = ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.WaitUntil(ctx, epoch.Add(d)); err != nil {
				t.Errorf("WaitUntil: %v", err)
			}
			close(ch)
		}()
	}
	require.Eventually(t, func() bool { return c.Waiters() == len(deadlines) }, time.Second, time.Millisecond)

	released := func(d time.Duration) bool {
		select {
		case <-done[d]:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}

	c.AdvanceTo(epoch.Add(15 * time.Second))
	assert.True(t, released(10*time.Second))
	assert.False(t, released(20*time.Second))
	assert.Equal(t, 2, c.Waiters())
	assert.Equal(t, epoch.Add(15*time.Second), c.Now())

	c.AdvanceTo(epoch.Add(25 * time.Second))
	assert.True(t, released(20*time.Second))
	assert.False(t, released(30*time.Second))
	assert.Equal(t, 1, c.Waiters())

	c.AdvanceTo(epoch.Add(time.Minute))
	wg.Wait()
	assert.Equal(t, 0, c.Waiters())
	assert.Equal(t, epoch.Add(time.Minute), c.Now())
}

func TestVirtual_PartialAdvanceKeepsLaterWaiters(t *testing.T) {
	c := NewVirtual(epoch)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_ = c.WaitUntil(ctx, epoch.Add(time.Hour))
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)

	c.Advance(30 * time.Minute)
	select {
	case <-done:
		t.Fatal("waiter released before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(30 * time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released at its deadline")
	}
}

func TestVirtual_WaitUntilHonoursCancellation(t *testing.T) {
	c := NewVirtual(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.WaitUntil(ctx, epoch.Add(time.Hour))
	}()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, c.Waiters())

	// Advancing after the cancelled waiter left must not block.
	c.Advance(2 * time.Hour)
}

func TestSleep_UsesClock(t *testing.T) {
	c := NewVirtual(epoch)
	done := make(chan error, 1)
	go func() {
		done <- Sleep(context.Background(), c, 5*time.Minute)
	}()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)
	c.Advance(5 * time.Minute)
	require.NoError(t, <-done)
}

func TestReal_WaitUntil(t *testing.T) {
	var c Real
	start := time.Now()
	require.NoError(t, c.WaitUntil(context.Background(), start.Add(5*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitUntil(ctx, time.Now().Add(time.Hour)), context.Canceled)
}
