package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

// fakeBudgetStore is an in-memory BudgetStore.
type fakeBudgetStore struct {
	calls     int
	overrides int
	failWith  error
}

func (f *fakeBudgetStore) RecordCall(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.calls++
	return f.calls, nil
}

func (f *fakeBudgetStore) RecordOverride(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.overrides++
	return f.overrides, nil
}

func (f *fakeBudgetStore) Get(_ context.Context, provider string, dailyLimit int, now time.Time) (*models.RateBudget, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &models.RateBudget{
		Provider:      provider,
		WindowDate:    models.BudgetWindow(now),
		CallsUsed:     f.calls,
		DailyLimit:    dailyLimit,
		OverridesUsed: f.overrides,
	}, nil
}

func newTestGovernor(store *fakeBudgetStore, dailyLimit int) *ratelimit.Governor {
	return ratelimit.NewGovernor(store, []ratelimit.Provider{
		{Name: "marketfeed", DailyLimit: dailyLimit},
	}, telemetry.NewProvider(), logger.NewNopLogger())
}

func TestGovernor_CanCall_SoftCeiling(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name      string
		callsUsed int
		want      bool
	}{
		{name: "fresh window allows calls", callsUsed: 0, want: true},
		{name: "just below soft ceiling allows", callsUsed: 89, want: true},
		{name: "at soft ceiling refuses", callsUsed: 90, want: false},
		{name: "above soft ceiling refuses", callsUsed: 95, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeBudgetStore{calls: tc.callsUsed}
			governor := newTestGovernor(store, 100)

			got, err := governor.CanCall(ctx, "marketfeed")
			if err != nil {
				t.Fatalf("CanCall() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("CanCall() with %d calls used = %v, want %v", tc.callsUsed, got, tc.want)
			}
		})
	}
}

func TestGovernor_RecordCall_HardLimit(t *testing.T) {
	ctx := context.Background()
	store := &fakeBudgetStore{calls: 99}
	governor := newTestGovernor(store, 100)

	// Call 100 hits the limit exactly; still permitted.
	if err := governor.RecordCall(ctx, "marketfeed"); err != nil {
		t.Fatalf("RecordCall() at limit error = %v", err)
	}

	// Call 101 is past the hard limit.
	err := governor.RecordCall(ctx, "marketfeed")
	if !errors.Is(err, models.ErrQuotaExhausted) {
		t.Errorf("RecordCall() past limit error = %v, want %v", err, models.ErrQuotaExhausted)
	}
}

func TestGovernor_RecordCall_CountsProviderMetric(t *testing.T) {
	ctx := context.Background()
	governor := newTestGovernor(&fakeBudgetStore{}, 100)

	counter := telemetry.NewProvider().Metrics.ProviderCalls.WithLabelValues("marketfeed")
	before := testutil.ToFloat64(counter)

	if err := governor.RecordCall(ctx, "marketfeed"); err != nil {
		t.Fatalf("RecordCall() error = %v", err)
	}
	if err := governor.RecordCall(ctx, "marketfeed"); err != nil {
		t.Fatalf("RecordCall() error = %v", err)
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("provider calls metric delta = %v, want 2", got)
	}
}

func TestGovernor_RecordCall_UnknownProvider(t *testing.T) {
	governor := newTestGovernor(&fakeBudgetStore{}, 100)

	err := governor.RecordCall(context.Background(), "nonexistent")
	if !errors.Is(err, models.ErrUnknownProvider) {
		t.Errorf("RecordCall() error = %v, want %v", err, models.ErrUnknownProvider)
	}
}

func TestGovernor_BudgetRemaining(t *testing.T) {
	ctx := context.Background()
	store := &fakeBudgetStore{calls: 240}
	governor := newTestGovernor(store, 250)

	remaining, err := governor.BudgetRemaining(ctx, "marketfeed")
	if err != nil {
		t.Fatalf("BudgetRemaining() error = %v", err)
	}
	if remaining != 10 {
		t.Errorf("BudgetRemaining() = %d, want 10", remaining)
	}
}

func TestGovernor_AllowOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("first override of the window is granted", func(t *testing.T) {
		store := &fakeBudgetStore{calls: 95}
		governor := newTestGovernor(store, 100)

		granted, err := governor.AllowOverride(ctx, "marketfeed", "ops@example.com")
		if err != nil {
			t.Fatalf("AllowOverride() error = %v", err)
		}
		if !granted {
			t.Error("AllowOverride() = false, want true")
		}
	})

	t.Run("second override in the same window is refused", func(t *testing.T) {
		store := &fakeBudgetStore{calls: 95, overrides: 1}
		governor := newTestGovernor(store, 100)

		granted, err := governor.AllowOverride(ctx, "marketfeed", "ops@example.com")
		if err != nil {
			t.Fatalf("AllowOverride() error = %v", err)
		}
		if granted {
			t.Error("AllowOverride() = true, want false")
		}
	})

	t.Run("hard limit blocks overrides entirely", func(t *testing.T) {
		store := &fakeBudgetStore{calls: 100}
		governor := newTestGovernor(store, 100)

		granted, err := governor.AllowOverride(ctx, "marketfeed", "ops@example.com")
		if err != nil {
			t.Fatalf("AllowOverride() error = %v", err)
		}
		if granted {
			t.Error("AllowOverride() at hard limit = true, want false")
		}
	})
}

func TestGovernor_StoreErrorPropagates(t *testing.T) {
	store := &fakeBudgetStore{failWith: errors.New("connection refused")}
	governor := newTestGovernor(store, 100)

	if _, err := governor.CanCall(context.Background(), "marketfeed"); err == nil {
		t.Error("CanCall() with failing store expected error, got nil")
	}
}
