package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually controlled clock for tests. Sleep advances the clock
// immediately instead of blocking, so a poll loop driven by a Fake runs its
// full schedule synchronously: each Sleep moves virtual time forward by the
// requested duration and returns.
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// SleepErr, when non-nil, is returned by the next Sleep call and then
	// cleared. Lets tests inject a cancellation at a chosen poll boundary.
	SleepErr error
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SleepErr != nil {
		err := f.SleepErr
		f.SleepErr = nil
		return err
	}
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

// Advance moves the clock forward without a Sleep call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
