package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Virtual is a manually driven Clock. Time never moves backwards and only
// advances through Advance or AdvanceTo. Goroutines blocked in WaitUntil are
// released one at a time in deadline order; the clock reads exactly the
// waiter's deadline while it is being released.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters waiterHeap
	seq     uint64
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (v *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	v.AdvanceTo(v.Now().Add(d))
}

// AdvanceTo moves the clock forward to t, releasing every waiter whose
// deadline is at or before t. A t in the past is a no-op.
func (v *Virtual) AdvanceTo(t time.Time) {
	for {
		v.mu.Lock()
		if len(v.waiters) == 0 || v.waiters[0].deadline.After(t) {
			if t.After(v.now) {
				v.now = t
			}
			v.mu.Unlock()
			return
		}
		w := heap.Pop(&v.waiters).(*waiter)
		if w.deadline.After(v.now) {
			v.now = w.deadline
		}
		close(w.done)
		v.mu.Unlock()

		// Let the released goroutine resume before time moves on.
		<-w.ack
	}
}

// WaitUntil blocks until the virtual time reaches t.
func (v *Virtual) WaitUntil(ctx context.Context, t time.Time) error {
	v.mu.Lock()
	if !t.After(v.now) {
		v.mu.Unlock()
		return ctx.Err()
	}
	v.seq++
	w := &waiter{
		deadline: t,
		seq:      v.seq,
		done:     make(chan struct{}),
		ack:      make(chan struct{}),
		index:    -1,
	}
	heap.Push(&v.waiters, w)
	v.mu.Unlock()

	select {
	case <-w.done:
		close(w.ack)
		return nil
	case <-ctx.Done():
		v.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&v.waiters, w.index)
			v.mu.Unlock()
			return ctx.Err()
		}
		v.mu.Unlock()
		// Already popped by AdvanceTo: complete the hand-off.
		<-w.done
		close(w.ack)
		return nil
	}
}

// Waiters returns the number of goroutines currently blocked in WaitUntil.
func (v *Virtual) Waiters() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.waiters)
}

var _ Clock = (*Virtual)(nil)

type waiter struct {
	deadline time.Time
	seq      uint64
	done     chan struct{}
	ack      chan struct{}
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
