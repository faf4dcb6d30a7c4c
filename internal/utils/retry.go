package utils

import (
	"time"
)

// RetryConfig holds configuration for retry behavior.
// It is plain data so the dispatcher can read it per surface.
type RetryConfig struct {
	MaxRetries   int
	BackoffType  BackoffType
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// BackoffType defines the type of backoff strategy
type BackoffType int

const (
	LinearBackoff BackoffType = iota
	FixedBackoff
)

func (b BackoffType) String() string {
	switch b {
	case LinearBackoff:
		return "linear"
	case FixedBackoff:
		return "fixed"
	default:
		return "unknown"
	}
}

// MaxAttempts is the total number of runs including the first one.
func (c RetryConfig) MaxAttempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Delay returns how long to wait before the given retry. retry is zero-based:
// the first retry after the initial failure is retry 0.
func (c RetryConfig) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	return calculateBackoff(retry+1, c)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	var delay time.Duration
	switch config.BackoffType {
	case LinearBackoff:
		delay = config.InitialDelay * time.Duration(attempt)
	case FixedBackoff:
		delay = config.InitialDelay
	default:
		delay = config.InitialDelay
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		return config.MaxDelay
	}
	return delay
}
