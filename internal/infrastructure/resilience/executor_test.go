package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

func fastRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		Retry:          fastRetry(3),
		BreakerEnabled: false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
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
	exec := NewExecutor(Config{
		Retry:          fastRetry(3),
		BreakerEnabled: false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
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

func TestExecuteUsesPerOperationRetryBudget(t *testing.T) {
	exec := NewExecutor(Config{
		Retry: fastRetry(1),
		PerOperation: map[string]RetryPolicy{
			"ollama.embed": fastRetry(4),
		},
		BreakerEnabled: false,
	})

	retryAll := func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	errTemp := errors.New("temporary")

	embedAttempts := 0
	_ = exec.Execute(context.Background(), "ollama.embed", func(context.Context) error {
		embedAttempts++
		return errTemp
	}, retryAll)
	if embedAttempts != 4 {
		t.Fatalf("embed budget must allow 4 attempts, got %d", embedAttempts)
	}

	otherAttempts := 0
	_ = exec.Execute(context.Background(), "other.op", func(context.Context) error {
		otherAttempts++
		return errTemp
	}, retryAll)
	if otherAttempts != 1 {
		t.Fatalf("fallback budget must allow 1 attempt, got %d", otherAttempts)
	}
}

func TestDefaultClassifierFollowsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{"temporary", domain.WrapError(domain.ErrTemporary, "embed", fmt.Errorf("503")), true, true},
		{"schema drift", domain.WrapError(domain.ErrSchemaDrift, "ensure table", fmt.Errorf("dim")), false, false},
		{"unknown profile", domain.WrapError(domain.ErrUnknownProfile, "run job", fmt.Errorf("x")), false, false},
		{"cancelled", context.Canceled, false, false},
		{"unclassified", errors.New("boom"), false, true},
	}
	for _, tc := range cases {
		class := defaultClassifier(tc.err)
		if class.Retryable != tc.retryable || class.RecordFailure != tc.record {
			t.Fatalf("%s: got %+v, want retryable=%t record=%t", tc.name, class, tc.retryable, tc.record)
		}
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		Retry:                   fastRetry(1),
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}
