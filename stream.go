package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// readWatchdog cancels a streaming request when no bytes arrive within
// the per-read window, so zombie streams and gone-away clients are torn
// down within one window instead of hanging on a silent connection.
// Every productive read stamps a new deadline; a single patrol
// goroutine sleeps until the stamped instant and only trips if the
// deadline was never pushed forward in the meantime.
type readWatchdog struct {
	rc       io.ReadCloser
	window   time.Duration
	deadline atomic.Int64 // unix nanos after which silence is fatal
	tripped  atomic.Bool
	cancel   func() // cancels the request context
	stop     chan struct{}
	stopOnce sync.Once
}

func newReadWatchdog(rc io.ReadCloser, window time.Duration, cancel func()) *readWatchdog {
	if window <= 0 {
		window = time.Minute
	}
	w := &readWatchdog{
		rc:     rc,
		window: window,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	w.deadline.Store(time.Now().Add(window).UnixNano())
	go w.patrol()
	return w
}

func (w *readWatchdog) patrol() {
	for {
		left := time.Until(time.Unix(0, w.deadline.Load()))
		if left <= 0 {
			w.tripped.Store(true)
			w.cancel()
			return
		}
		select {
		case <-time.After(left):
			// Re-check: a read may have pushed the deadline while we
			// slept.
		case <-w.stop:
			return
		}
	}
}

func (w *readWatchdog) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	if n > 0 {
		w.deadline.Store(time.Now().Add(w.window).UnixNano())
	}
	if err != nil && w.tripped.Load() {
		// The context error under us was our own doing; name the
		// real cause.
		err = fmt.Errorf("no stream data for %v: %w", w.window, err)
	}
	return n, err
}

func (w *readWatchdog) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.rc.Close()
}
