package client

import (
	"sync"
	"time"
)

// throttle runs the first call at once and at most one trailing call, the
// latest, when the window closes.
type throttle struct {
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	stopped bool
}

func newThrottle(window time.Duration) *throttle {
	return &throttle{window: window}
}

func (t *throttle) do(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.pending = fn
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.window, t.release)
	t.mu.Unlock()

	fn()
}

func (t *throttle) release() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()

	if fn != nil && !stopped {
		fn()
	}
}

func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
