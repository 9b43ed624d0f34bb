package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func fastConfig(breaker bool) Config {
	return Config{
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         2 * time.Millisecond,
		RetryMultiplier:         2,
		RetryJitter:             0.1,
		BreakerEnabled:          breaker,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(fastConfig(false))

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "openai.transcribe", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastConfig(false))

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "openai.report", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteReturnsLastErrorWhenContextCanceled(t *testing.T) {
	exec := NewExecutor(fastConfig(false))
	ctx, cancel := context.WithCancel(context.Background())

	errTemp := errors.New("temporary")
	err := exec.Execute(ctx, "nats.publish", func(context.Context) error {
		cancel()
		return errTemp
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected last call error, got %v", err)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	cfg := fastConfig(true)
	cfg.RetryMaxAttempts = 1
	exec := NewExecutor(cfg)

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "ollama.generate", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "ollama.generate", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if !IsCircuitOpen(err) {
		t.Fatalf("expected IsCircuitOpen to report open state")
	}
}

func TestStagePolicyDelayGrowsWithinBounds(t *testing.T) {
	policy := NewStagePolicy(StagePolicyConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	})
	if policy.MaxAttempts() != 4 {
		t.Fatalf("expected max attempts 4, got %d", policy.MaxAttempts())
	}

	first := policy.Delay(1)
	if first < 80*time.Millisecond || first > 120*time.Millisecond {
		t.Fatalf("first delay out of jitter range: %s", first)
	}
	third := policy.Delay(3)
	if third < 320*time.Millisecond || third > 480*time.Millisecond {
		t.Fatalf("third delay out of jitter range: %s", third)
	}
	for i := 0; i < 20; i++ {
		if d := policy.Delay(10); d > 1200*time.Millisecond {
			t.Fatalf("delay above max interval with jitter: %s", d)
		}
	}
}

func TestStagePolicyNormalizesZeroConfig(t *testing.T) {
	policy := NewStagePolicy(StagePolicyConfig{})
	if policy.MaxAttempts() != DefaultStagePolicyConfig().MaxAttempts {
		t.Fatalf("expected default attempts, got %d", policy.MaxAttempts())
	}
	if policy.Delay(0) <= 0 {
		t.Fatalf("expected positive delay")
	}
}
