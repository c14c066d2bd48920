// Package poll provides the fixed-interval wait primitives shared by the
// challenge wait, the download completion detector and the queue cooldown.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Until when the condition is still false after
// the timeout elapsed.
var ErrTimeout = errors.New("poll: timed out")

// Condition is evaluated on every tick. done=true stops polling with the
// returned error (nil on success). A non-nil error with done=false is kept
// as the last observed error and polling continues.
type Condition func(ctx context.Context) (done bool, err error)

// Until evaluates cond immediately and then every interval until it reports
// done, ctx is cancelled, or timeout elapses. A zero timeout waits forever.
// On timeout the returned error wraps ErrTimeout and the last non-nil
// condition error, if any.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		done, err := cond(ctx)
		if done {
			return err
		}
		if err != nil {
			last = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if last != nil {
				return errors.Join(ErrTimeout, last)
			}
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
