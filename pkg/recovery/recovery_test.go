package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
)

func testManager(maxRetries int) (*Manager, *[]time.Duration) {
	sleeps := &[]time.Duration{}
	m := NewManager(Config{
		MaxRetries: maxRetries,
		Sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}, logx.New("error"))
	return m, sleeps
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	m, sleeps := testManager(3)
	calls := 0
	err := m.Retry(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("no backoff expected on immediate success, got %v", *sleeps)
	}
	if m.Attempts("op") != 0 {
		t.Error("attempt counter should clear on success")
	}
}

func TestRetryExponentialBackoff(t *testing.T) {
	m, sleeps := testManager(3)
	failing := errors.New("transient")
	err := m.Retry(context.Background(), "op", func(context.Context) error {
		return failing
	})
	if err == nil {
		t.Fatal("Retry should fail after exhausting attempts")
	}
	if !errors.Is(err, failing) {
		t.Errorf("error should wrap last failure, got %v", err)
	}
	// no sleep after the final attempt
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("backoffs = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
	if m.Attempts("op") != 0 {
		t.Error("attempt counter should clear after exhaustion")
	}
}

func TestRetryStateIsKeyedPerOperation(t *testing.T) {
	m, _ := testManager(3)
	failing := errors.New("down")

	// burn one attempt on op-a by succeeding on the second call
	calls := 0
	m.Retry(context.Background(), "op-a", func(context.Context) error {
		calls++
		if calls == 1 {
			return failing
		}
		return nil
	})

	// op-b still has its full budget
	callsB := 0
	m.Retry(context.Background(), "op-b", func(context.Context) error {
		callsB++
		return failing
	})
	if callsB != 3 {
		t.Errorf("op-b attempts = %d, want 3", callsB)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	m := NewManager(Config{
		MaxRetries: 3,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		},
	}, logx.New("error"))
	err := m.Retry(context.Background(), "op", func(context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation to abort retries, got %v", err)
	}
}

func TestHealthReportsPendingOperations(t *testing.T) {
	m, _ := testManager(3)
	// cancel mid-retry so the counter stays allocated
	m.config.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	m.Retry(context.Background(), "op", func(context.Context) error {
		return errors.New("fail")
	})
	h := m.Health()
	if h.PendingOperations != 1 {
		t.Errorf("PendingOperations = %d, want 1", h.PendingOperations)
	}
	m.ResetAll()
	if m.Health().PendingOperations != 0 {
		t.Error("ResetAll should clear pending operations")
	}
}

func TestRecoverSettingsClampsOutOfRange(t *testing.T) {
	broken := settings.Default()
	broken.DefaultDistance = -50
	broken.GracePeriodMovementMS = 999999

	r := RecoverSettings(broken, logx.New("error"))
	if r.Strategy != StrategyAutoCorrected {
		t.Errorf("Strategy = %q, want %q", r.Strategy, StrategyAutoCorrected)
	}
	if r.Settings.DefaultDistance != settings.MinDistanceM {
		t.Errorf("DefaultDistance = %f, want clamped to %f", r.Settings.DefaultDistance, settings.MinDistanceM)
	}
	if r.Settings.GracePeriodMovementMS != settings.MaxGracePeriodMS {
		t.Errorf("GracePeriodMovementMS = %d, want clamped to %d", r.Settings.GracePeriodMovementMS, settings.MaxGracePeriodMS)
	}
	if len(r.Repaired) != 2 {
		t.Errorf("Repaired = %v, want two fields", r.Repaired)
	}
}

func TestRecoverSettingsValidPassThrough(t *testing.T) {
	good := settings.Default()
	r := RecoverSettings(good, logx.New("error"))
	if r.Strategy != StrategyAutoCorrected {
		t.Errorf("Strategy = %q, want %q", r.Strategy, StrategyAutoCorrected)
	}
	if len(r.Repaired) != 0 {
		t.Errorf("valid settings should need no repairs, got %v", r.Repaired)
	}
	if r.Settings != good {
		t.Error("valid settings should pass through unchanged")
	}
}

func TestRetryReportsAttempts(t *testing.T) {
	var reported []string
	m := NewManager(Config{
		MaxRetries: 2,
		Sleep:      func(context.Context, time.Duration) error { return nil },
		OnRetry:    func(id string) { reported = append(reported, id) },
	}, logx.New("error"))

	err := m.Retry(context.Background(), "flaky", func(context.Context) error {
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("Retry should fail after exhausting attempts")
	}
	if len(reported) != 2 {
		t.Fatalf("reported attempts = %d, want 2", len(reported))
	}
	for _, id := range reported {
		if id != "flaky" {
			t.Errorf("reported operation = %q, want flaky", id)
		}
	}
}
