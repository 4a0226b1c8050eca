// Package clock provides an injectable time source so that backoff delays,
// disable windows and inter-send pacing can be tested deterministically
// without real sleeps. Production code uses Real(); tests use a Fake that
// is advanced manually.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by all resilience components. All delays
// are recomputed from Now() at scheduling time, so rescheduling never
// accumulates drift.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// After returns a channel that receives the current time once the
	// given duration has elapsed.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks for the given duration or until the context is
	// cancelled, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real returns a Clock backed by the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Fake is a manually advanced Clock for tests. Timers created via After
// fire when Advance moves the fake time past their deadline.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once Advance passes the deadline.
// A non-positive duration fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Sleep blocks until Advance passes the deadline or the context is cancelled.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.After(d):
		return nil
	}
}

// Advance moves the fake time forward and fires every timer whose deadline
// has been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*fakeTimer
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range due {
		t.ch <- now
	}
}

// PendingTimers returns the number of timers waiting to fire.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}
