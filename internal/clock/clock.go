// Package clock provides the time source used by every time-dependent
// component of the node store: revision generation, checkpoint expiry,
// background operations and version garbage collection.
//
// Production code uses [Real]. Tests use [Virtual], which only moves when
// told to and releases blocked waiters in timestamp order, so age-based
// behaviour can be exercised without real delays.
package clock

import (
	"context"
	"time"
)

// Clock is the time capability passed explicitly to components that depend
// on time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// WaitUntil blocks until the clock reaches t or ctx is done.
	// Returns ctx.Err() if the context ends first.
	WaitUntil(ctx context.Context, t time.Time) error
}

// Millis returns the current time of c in Unix milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Sleep blocks for d as measured by c.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	return c.WaitUntil(ctx, c.Now().Add(d))
}

// Real is a Clock backed by the system wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// WaitUntil sleeps until t using a timer.
func (Real) WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Clock = Real{}
