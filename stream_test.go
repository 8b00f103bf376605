package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReadWatchdogTripsOnSilence(t *testing.T) {
	pr, pw := io.Pipe()
	w := newReadWatchdog(pr, 20*time.Millisecond, func() {
		_ = pw.CloseWithError(context.Canceled)
	})
	defer w.Close()

	buf := make([]byte, 16)
	_, err := w.Read(buf) // blocks until the watchdog cancels
	if err == nil {
		t.Fatalf("expected an error after silence")
	}
	if !strings.Contains(err.Error(), "no stream data for") {
		t.Fatalf("watchdog trip not named in error: %v", err)
	}
}

func TestReadWatchdogDataPushesDeadline(t *testing.T) {
	pr, pw := io.Pipe()
	cancelled := make(chan struct{})
	w := newReadWatchdog(pr, 60*time.Millisecond, func() { close(cancelled) })
	defer w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pw.Close()
		for i := 0; i < 5; i++ {
			time.Sleep(20 * time.Millisecond)
			if _, err := pw.Write([]byte("x")); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 16)
	total := 0
	for {
		n, err := w.Read(buf)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	<-done
	if total != 5 {
		t.Fatalf("read %d bytes, want 5", total)
	}
	select {
	case <-cancelled:
		t.Fatalf("watchdog tripped despite steady data")
	default:
	}
}

func TestReadWatchdogCloseStopsPatrol(t *testing.T) {
	pr, pw := io.Pipe()
	cancelled := make(chan struct{})
	w := newReadWatchdog(pr, 20*time.Millisecond, func() { close(cancelled) })
	_ = pw
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = w.Close() // idempotent

	time.Sleep(40 * time.Millisecond)
	select {
	case <-cancelled:
		t.Fatalf("patrol fired after close")
	default:
	}
}
