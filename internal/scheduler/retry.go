package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxRetries    int
	BackoffDelays []time.Duration
}

// DefaultRetryConfig is tuned for short database transactions.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BackoffDelays: []time.Duration{20 * time.Millisecond, 100 * time.Millisecond, 500 * time.Millisecond},
	}
}

// ErrorClassifier classifies errors as retryable or not
type ErrorClassifier struct{}

// retryableSQLStates are PostgreSQL conditions where re-running the whole
// transaction can succeed.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

// StatusError is a non-2xx answer from an upstream HTTP service.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
}

// Retryable reports whether the upstream asked us to come back later.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryablePatterns cover transport failures that reach us as plain strings.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"conn closed",
	"i/o timeout",
	"temporary failure",
	"deadlock detected",
	"could not serialize access",
}

// IsRetryable determines if an error should trigger a retry.
// Context cancellation is never retryable. A PostgreSQL error is judged by
// its SQLSTATE alone, so constraint and domain failures are never retried.
func (c *ErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent.
func Retry(ctx context.Context, cfg *RetryConfig, classifier *ErrorClassifier, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if classifier == nil {
		classifier = &ErrorClassifier{}
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !classifier.IsRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == cfg.MaxRetries || len(cfg.BackoffDelays) == 0 {
			continue
		}

		delayIdx := attempt
		if delayIdx >= len(cfg.BackoffDelays) {
			delayIdx = len(cfg.BackoffDelays) - 1
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(cfg.BackoffDelays[delayIdx]):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
