package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Decision is the outcome of a limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter counts requests per key in a sliding window
type Limiter interface {
	// Allow records a request for key unless the policy limit is reached
	Allow(ctx context.Context, key string, p Policy) (Decision, error)
	// Release removes the most recent request recorded for key
	Release(ctx context.Context, key string, p Policy) error
}

// ThrottledError is returned when a limit is exceeded
type ThrottledError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded, retry after %s", e.Policy, e.RetryAfter)
}
