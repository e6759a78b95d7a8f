package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastRetryConfig(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		return nil
	}, fastRetryConfig(3), nil)

	if err != nil {
		t.Errorf("Retry: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastRetryConfig(5), nil)

	if err != nil {
		t.Errorf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("persistent")
	err := Retry(func() error {
		attempts++
		return wantErr
	}, fastRetryConfig(2), nil)

	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want last error", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		return errors.New("bad request")
	}, fastRetryConfig(3), IsRetryableNetworkError)

	if err == nil {
		t.Error("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a non-retryable error", attempts)
	}
}

func TestRetry_RetryableKeepsGoing(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		return errors.New("connection refused")
	}, fastRetryConfig(3), IsRetryableNetworkError)

	if err == nil {
		t.Error("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("tool server call timeout"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("invalid tool arguments"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryableNetworkError(tt.err); got != tt.retryable {
			t.Errorf("IsRetryableNetworkError(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestReconnect_EventualSuccess(t *testing.T) {
	attempts := 0
	cfg := &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Millisecond,
	}

	err := Reconnect(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not up yet")
		}
		return nil
	}, cfg, zerolog.Nop())

	if err != nil {
		t.Errorf("Reconnect: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	attempts := 0
	cfg := &ReconnectConfig{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Millisecond,
	}

	err := Reconnect(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	}, cfg, zerolog.Nop())

	if err == nil {
		t.Error("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestReconnect_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Reconnect(ctx, func() error {
		return errors.New("down")
	}, DefaultReconnectConfig(), zerolog.Nop())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
