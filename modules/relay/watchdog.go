package relay

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// watchdog closes the wrapped body when no bytes arrive for timeout. Reads
// that then fail report Stalled. Pause stops the clock while the relay is
// blocked on the client so a slow listener is not mistaken for a dead
// upstream.
type watchdog struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
	once    sync.Once
}

func newWatchdog(rc io.ReadCloser, timeout time.Duration) *watchdog {
	w := &watchdog{rc: rc, timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.fire)
	}
	return w
}

func (w *watchdog) fire() {
	w.stalled.Store(true)
	_ = w.close()
}

func (w *watchdog) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	if n > 0 && w.timer != nil && !w.stalled.Load() {
		w.timer.Reset(w.timeout)
	}
	return n, err
}

func (w *watchdog) Pause() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) Resume() {
	if w.timer != nil && !w.stalled.Load() {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) Stalled() bool {
	return w.stalled.Load()
}

func (w *watchdog) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.close()
}

func (w *watchdog) close() error {
	var err error
	w.once.Do(func() { err = w.rc.Close() })
	return err
}
