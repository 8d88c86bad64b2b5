//nolint:revive // Package name 'utils' is intentional for grouping utility functions.
package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("Expected InitialBackoff=1s, got %v", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("Expected MaxBackoff=30s, got %v", config.MaxBackoff)
	}
	if config.RetryableFunc != nil {
		t.Error("Expected RetryableFunc to be nil by default")
	}
}

func TestKubeRetryConfig(t *testing.T) {
	config := KubeRetryConfig("get-pvc")

	if config.MaxAttempts != 5 {
		t.Errorf("Expected MaxAttempts=5, got %d", config.MaxAttempts)
	}
	if config.RetryableFunc == nil {
		t.Fatal("Expected RetryableFunc to be set")
	}
	if config.OperationName != "get-pvc" {
		t.Errorf("Expected OperationName='get-pvc', got %q", config.OperationName)
	}
}

func TestWithRetry_Success(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
	}

	callCount := 0
	result, err := WithRetry(context.Background(), config, func() (string, error) {
		callCount++
		return "success", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("Expected result='success', got %q", result)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestWithRetry_EventualSuccess(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
	}

	callCount := 0
	result, err := WithRetry(context.Background(), config, func() (int, error) {
		callCount++
		if callCount < 3 {
			return 0, errors.New("transient error")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if result != 42 {
		t.Errorf("Expected result=42, got %d", result)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestWithRetry_AllAttemptsFail(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "failing-op",
	}

	callCount := 0
	_, err := WithRetry(context.Background(), config, func() (string, error) {
		callCount++
		return "", errors.New("persistent error")
	})

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
		RetryableFunc: func(err error) bool {
			return err.Error() != "non-retryable"
		},
	}

	callCount := 0
	_, err := WithRetry(context.Background(), config, func() (string, error) {
		callCount++
		return "", errors.New("non-retryable")
	})

	if err == nil || err.Error() != "non-retryable" {
		t.Errorf("Expected 'non-retryable' error, got %v", err)
	}
	// Should not retry non-retryable errors
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retries), got %d", callCount)
	}
}

func TestWithRetry_ContextCanceledBeforeStart(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel before starting

	callCount := 0
	_, err := WithRetry(ctx, config, func() (string, error) {
		callCount++
		return "success", nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 0 {
		t.Errorf("Expected 0 calls (context already canceled), got %d", callCount)
	}
}

func TestWithRetry_ContextCanceledDuringBackoff(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(ctx, config, func() (string, error) {
		return "", errors.New("error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestWithRetryNoResult(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		OperationName:     "test-op",
	}

	callCount := 0
	err := WithRetryNoResult(context.Background(), config, func() error {
		callCount++
		if callCount < 2 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestIsRetryableKubeError(t *testing.T) {
	resource := schema.GroupResource{Resource: "persistentvolumeclaims"}
	//nolint:govet // Field alignment not critical for test structs
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "too many requests",
			err:  apierrors.NewTooManyRequests("throttled", 1),
			want: true,
		},
		{
			name: "server timeout",
			err:  apierrors.NewServerTimeout(resource, "get", 1),
			want: true,
		},
		{
			name: "service unavailable",
			err:  apierrors.NewServiceUnavailable("maintenance"),
			want: true,
		},
		{
			name: "internal error",
			err:  apierrors.NewInternalError(errors.New("etcd leader changed")),
			want: true,
		},
		{
			name: "unauthorized before token reload",
			err:  apierrors.NewUnauthorized("token expired"),
			want: true,
		},
		{
			name: "expired watch state",
			err:  apierrors.NewResourceExpired("resource version too old"),
			want: true,
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp: connection refused"),
			want: true,
		},
		{
			name: "not found",
			err:  apierrors.NewNotFound(resource, "disk-1"),
			want: false,
		},
		{
			name: "conflict",
			err:  apierrors.NewConflict(resource, "disk-1", errors.New("modified")),
			want: false,
		},
		{
			name: "validation error",
			err:  errors.New("invalid disk name"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryableKubeError(tt.err)
			if got != tt.want {
				t.Errorf("IsRetryableKubeError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry_BackoffCapping(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        15 * time.Millisecond, // Low cap to test capping
		BackoffMultiplier: 10.0,                  // Aggressive multiplier
		OperationName:     "test-op",
	}

	callCount := 0
	start := time.Now()
	_, _ = WithRetry(context.Background(), config, func() (string, error) {
		callCount++
		return "", errors.New("error")
	})
	elapsed := time.Since(start)

	if callCount != 5 {
		t.Errorf("Expected 5 calls, got %d", callCount)
	}
	// Without the cap the waits would sum to seconds; capped they stay ~55ms.
	if elapsed > 200*time.Millisecond {
		t.Errorf("Expected elapsed time ~55ms (with capped backoff), got %v", elapsed)
	}
}
