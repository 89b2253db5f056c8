// Package clock abstracts time for components that poll and wait so tests
// can run in virtual time instead of sleeping on the wall clock.
package clock

import (
	"context"
	"time"
)

// Clock provides the two time operations the polling loops need.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled, whichever comes first.
	// Returns the context error on cancellation, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall-clock implementation.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still honor cancellation on zero-duration sleeps.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
