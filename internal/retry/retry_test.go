package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/retry"
)

func fastConfig(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StructuralErrorFailsFast(t *testing.T) {
	calls := 0
	structural := errors.New("invalid request payload")

	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		return structural
	})

	if !errors.Is(err, structural) {
		t.Errorf("Do() error = %v, want %v", err, structural)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (structural errors must not retry)", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.New("i/o timeout")
	})

	if !errors.Is(err, retry.ErrMaxAttemptsExceeded) {
		t.Errorf("Do() error = %v, want ErrMaxAttemptsExceeded", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, fastConfig(3), func() error {
		return errors.New("connection refused")
	})

	if !errors.Is(err, retry.ErrContextCancelled) {
		t.Errorf("Do() error = %v, want ErrContextCancelled", err)
	}
}

func TestDo_DeadlineStaysInChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, func() error {
		return errors.New("provider temporary failure: status 503")
	})

	if !errors.Is(err, retry.ErrContextCancelled) {
		t.Errorf("Do() error = %v, want ErrContextCancelled", err)
	}
	// The deadline cause must survive wrapping so a hard task timeout is
	// recorded with the timeout error code, not as a generic upstream error.
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want context.DeadlineExceeded in the chain", err)
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "timeout", err: errors.New("dial tcp: i/o timeout"), want: true},
		{name: "deadline", err: errors.New("context deadline exceeded"), want: true},
		{name: "refused", err: errors.New("connection refused"), want: true},
		{name: "temporary", err: errors.New("provider temporary failure: status 503"), want: true},
		{name: "structural", err: errors.New("unknown symbol XYZ"), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retry.DefaultIsRetryable(tc.err); got != tc.want {
				t.Errorf("DefaultIsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
