package controller

import (
	"sync"
	"time"
)

// watchdog calls expire when a stream stays silent for longer than timeout.
// It is paused while received data is handled.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer

	mu sync.Mutex
	// deadline is zero while paused. A timer that fires late, after a pause
	// or a rearm, finds no deadline or a later one and does nothing.
	deadline time.Time
	fired    bool
}

func newWatchdog(timeout time.Duration, expire func()) *watchdog {
	w := &watchdog{timeout: timeout, deadline: time.Now().Add(timeout)}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.deadline.IsZero() || time.Now().Before(w.deadline) {
			return
		}
		w.fired = true
		expire()
	})
	return w
}

// pause stops the clock. It reports whether the watchdog had already expired
// the stream, which happens when data arrives right at the deadline.
func (w *watchdog) pause() bool {
	w.timer.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = time.Time{}
	fired := w.fired
	w.fired = false
	return fired
}

// rearm restarts the clock with a full timeout.
func (w *watchdog) rearm() {
	w.mu.Lock()
	w.deadline = time.Now().Add(w.timeout)
	w.mu.Unlock()
	w.timer.Reset(w.timeout)
}

// expired reports whether the stream was closed for being idle.
func (w *watchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *watchdog) stop() {
	w.timer.Stop()
}
