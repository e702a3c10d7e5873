// Package sleeper provides a non-blocking interval gate. A Timer never sleeps;
// the control loop polls IsElapsed and acts when the interval has passed.
package sleeper

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Timer struct {
	clock    clock.Clock
	start    time.Time
	interval time.Duration
	stopped  bool
}

// New returns a running timer started now.
func New(clk clock.Clock, interval time.Duration) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk, start: clk.Now(), interval: interval}
}

// IsElapsed reports whether more than the interval passed since the start.
// A stopped timer never elapses.
func (t *Timer) IsElapsed() bool {
	if t.stopped {
		return false
	}
	return t.clock.Since(t.start) > t.interval
}

// IsElapsedNext restarts the timer when it has elapsed.
func (t *Timer) IsElapsedNext() bool {
	if !t.IsElapsed() {
		return false
	}
	t.Next()
	return true
}

// IsElapsedStop stops the timer when it has elapsed.
func (t *Timer) IsElapsedStop() bool {
	if !t.IsElapsed() {
		return false
	}
	t.Stop()
	return true
}

// Next restarts the interval from now and clears the stopped flag.
func (t *Timer) Next() {
	t.start = t.clock.Now()
	t.stopped = false
}

// SetInterval restarts the timer with a new interval.
func (t *Timer) SetInterval(d time.Duration) {
	t.Next()
	t.interval = d
}

func (t *Timer) Stop() {
	t.stopped = true
}

func (t *Timer) Stopped() bool {
	return t.stopped
}

func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Remaining returns the time left until the timer elapses, zero when it
// already has. A stopped timer reports its full interval.
func (t *Timer) Remaining() time.Duration {
	if t.stopped {
		return t.interval
	}
	left := t.interval - t.clock.Since(t.start)
	if left < 0 {
		return 0
	}
	return left
}
