// Package retry wraps flaky RPC calls in bounded exponential backoff.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // growth factor between delays

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsRetryable.
	ShouldRetry func(error) bool
}

// DefaultConfig returns the backoff used for per-chain RPC calls.
// Pattern: 250ms, 500ms, 1s, capped at 5s. A chain scan has its own
// time budget, so the delays stay short.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying regardless of ShouldRetry
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run
// out or ctx ends. The returned error is the last one fn produced, or the
// context error when cancelled during backoff.
func Do(ctx context.Context, cfg Config, fn Func) (*Result, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := &Result{}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Debug("Operation succeeded after retry")
			}
			return result, nil
		}
		result.LastError = err

		var perm *permanentError
		if stderrors.As(err, &perm) {
			result.LastError = perm.err
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}
		if attempt == maxAttempts || !shouldRetry(err) {
			break
		}

		delay := calculateDelay(cfg, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, result.LastError
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// calculateDelay returns the backoff before attempt+1
func calculateDelay(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// transientMarkers are substrings of RPC transport failures that usually clear
// up on their own
var transientMarkers = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"eof",
	"too many requests",
	"429",
	"rate limit",
	"503",
	"502",
	"temporarily unavailable",
	"header not found",
}

// IsRetryable reports whether err looks transient. Context errors are never
// retried; categorized errors follow their category.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) {
		return apperrors.IsRetryable(err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
