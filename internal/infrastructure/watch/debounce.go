// Package watch invalidates the cached workflow configuration when its
// file changes on disk while the daemon runs.
package watch

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid events into a single callback invocation. Once
// stopped it stays stopped, so a late filesystem event cannot fire the
// callback into a daemon that is already shutting down.
type Debouncer struct {
	window   time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	callback func()
}

// NewDebouncer creates a debouncer with the given window duration.
func NewDebouncer(window time.Duration, callback func()) *Debouncer {
	return &Debouncer{
		window:   window,
		callback: callback,
	}
}

// Trigger resets the debounce window. The callback fires after the window
// elapses with no further triggers; triggers after Stop are ignored.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.callback)
		return
	}
	d.timer.Reset(d.window)
}

// Stop cancels any pending callback and disables further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
