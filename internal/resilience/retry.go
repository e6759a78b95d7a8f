package resilience

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            bool // add up to 25% random jitter to each sleep
}

// DefaultRetryConfig returns the configuration used for transient network
// failures against the tool server.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is the operation being retried.
type RetryableFunc func() error

// IsRetryableError decides whether an error is worth another attempt.
type IsRetryableError func(error) bool

// Retry runs fn up to MaxAttempts times with exponential backoff between
// attempts. A nil isRetryable retries every error; otherwise a
// non-retryable error returns immediately. The last error is returned when
// all attempts fail.
func Retry(fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if config.Jitter {
			sleep += time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		}
		if sleep > config.MaxBackoff {
			sleep = config.MaxBackoff
		}
		time.Sleep(sleep)

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
	return lastErr
}

// retryableFragments are error-message substrings that indicate a transient
// network or resource condition.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"deadline exceeded",
	"timeout",
	"i/o timeout",
	"resource exhausted",
	"too many connections",
	"rate limit",
	"unavailable",
}

// IsRetryableNetworkError reports whether err looks like a transient
// network failure worth retrying.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
