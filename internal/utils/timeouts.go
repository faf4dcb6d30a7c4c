package utils

import (
	"context"
	"time"
)

// TimeoutConfig holds timeout configuration for converter invocations
type TimeoutConfig struct {
	ServiceTimeout  time.Duration // remote conversion service round trip
	ProcessTimeout  time.Duration // soffice, pandoc, cwebp
	BrowserTimeout  time.Duration // headless page render
	DependencyCheck time.Duration // --version probes at startup
}

// DefaultTimeoutConfig returns sensible default timeouts
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ServiceTimeout:  300 * time.Second,
		ProcessTimeout:  5 * time.Minute,
		BrowserTimeout:  90 * time.Second,
		DependencyCheck: 10 * time.Second,
	}
}

// WithTimeout runs fn under a derived context that expires after timeout.
// It returns as soon as either fn returns or the deadline passes.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
