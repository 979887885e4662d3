package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not finish")
	}
}

func TestAttemptBudget(t *testing.T) {
	var calls int32
	h := Start(Options{Interval: time.Millisecond, MaxAttempts: 5}, nil, func(attempt int) {
		atomic.AddInt32(&calls, 1)
	})

	waitDone(t, h)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, 5, h.Attempts())
}

func TestZeroMaxAttemptsMeansOne(t *testing.T) {
	var calls int32
	h := Start(Options{Interval: time.Millisecond}, nil, func(int) {
		atomic.AddInt32(&calls, 1)
	})

	waitDone(t, h)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStopPredicateCheckedBeforeEveryAttempt(t *testing.T) {
	var calls int32
	h := Start(Options{Interval: time.Millisecond, MaxAttempts: 100}, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, func(int) {
		atomic.AddInt32(&calls, 1)
	})

	waitDone(t, h)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPredicateTrueBeforeFirstAttempt(t *testing.T) {
	var calls int32
	h := Start(Options{Interval: time.Millisecond, MaxAttempts: 10}, func() bool {
		return true
	}, func(int) {
		atomic.AddInt32(&calls, 1)
	})

	waitDone(t, h)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "predicate holds: zero attempts")
}

func TestStopCancelsAndIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	var calls int32
	h := Start(Options{Interval: time.Hour, MaxAttempts: 10}, nil, func(attempt int) {
		if attempt == 1 {
			close(started)
		}
		atomic.AddInt32(&calls, 1)
	})

	<-started
	h.Stop()
	h.Stop()

	waitDone(t, h)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "stop during the interval wait prevents further attempts")
}

func TestAttemptNumbersAreSequential(t *testing.T) {
	var seen []int
	done := make(chan struct{})
	Start(Options{Interval: time.Millisecond, MaxAttempts: 3}, nil, func(attempt int) {
		seen = append(seen, attempt)
		if attempt == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attempts did not complete")
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
}
