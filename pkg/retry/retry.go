// Package retry provides a bounded, cancellable retry ticker.
//
// Cancellation is cooperative: the stop predicate is evaluated before every
// attempt, so a cancelled loop quiesces by the next tick rather than
// immediately.
package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// Options parameterizes a retry loop.
type Options struct {
	// Interval is the pause between attempts.
	Interval time.Duration
	// MaxAttempts bounds the number of attempts. Zero means one attempt.
	MaxAttempts int
	// Name tags log lines for this loop.
	Name string
}

// Handle controls a running retry loop.
type Handle struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu       sync.Mutex
	attempts int
}

// Stop cancels the loop. The attempt in flight (if any) still completes.
// Safe to call multiple times and after the loop has finished.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Done is closed once the loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// Attempts reports how many attempts have run so far.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Start runs fn immediately and then once per interval until the attempt
// budget is exhausted, Stop is called, or the stop predicate returns true.
// The predicate is checked before every attempt, including the first.
func Start(opts Options, stop func() bool, fn func(attempt int)) *Handle {
	h := &Handle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	go func() {
		defer close(h.doneCh)

		for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
			select {
			case <-h.stopCh:
				return
			default:
			}
			if stop != nil && stop() {
				logger.Debug("retry loop stopped by predicate",
					zap.String("name", opts.Name),
					zap.Int("attempt", attempt))
				return
			}

			h.mu.Lock()
			h.attempts = attempt
			h.mu.Unlock()

			fn(attempt)

			if attempt == opts.MaxAttempts {
				logger.Debug("retry budget exhausted",
					zap.String("name", opts.Name),
					zap.Int("attempts", attempt))
				return
			}

			select {
			case <-h.stopCh:
				return
			case <-time.After(opts.Interval):
			}
		}
	}()

	return h
}
