package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_DoneImmediately(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Hour, time.Hour, func(context.Context) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUntil_EventuallyDone(t *testing.T) {
	// WHAT: The condition is re-evaluated every interval.
	calls := 0
	err := Until(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestUntil_DoneWithError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestUntil_Timeout(t *testing.T) {
	// WHAT: Timeout wraps ErrTimeout and keeps the last condition error.
	// WHY: Callers build diagnostics from the last observed failure.
	last := errors.New("still on challenge page")
	err := Until(context.Background(), 2*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, last
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("err = %v, want it to wrap the last condition error", err)
	}
}

func TestUntil_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("returned too early")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep: %v", err)
	}
}
