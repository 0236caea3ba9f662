// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"bytes"
	"syscall"
	"testing"
	"time"

	"github.com/samuell/cannyfs/lib/testutil"
)

func TestFDBlocksUntilBind(t *testing.T) {
	h := newHandle()

	got := make(chan int, 1)
	go func() {
		fd, errno := h.FD()
		if errno != 0 {
			fd = -1
		}
		got <- fd
	}()

	select {
	case fd := <-got:
		t.Fatalf("FD returned %d before the descriptor was bound", fd)
	case <-time.After(50 * time.Millisecond):
	}

	h.Bind(42)

	if fd := testutil.RequireReceive(t, got, 5*time.Second, "FD after bind"); fd != 42 {
		t.Fatalf("FD returned %d, want 42", fd)
	}

	// Subsequent calls return immediately with the same value.
	fd, errno := h.FD()
	if errno != 0 || fd != 42 {
		t.Fatalf("FD after bind returned (%d, %v), want (42, 0)", fd, errno)
	}
}

func TestRejectUnblocksWaiters(t *testing.T) {
	h := newHandle()

	got := make(chan syscall.Errno, 1)
	go func() {
		_, errno := h.FD()
		got <- errno
	}()

	h.Reject(syscall.ENOENT)

	if errno := testutil.RequireReceive(t, got, 5*time.Second, "FD after reject"); errno != syscall.ENOENT {
		t.Fatalf("FD returned errno %v, want ENOENT", errno)
	}
}

func TestDoubleBindPanics(t *testing.T) {
	h := newHandle()
	h.Bind(3)

	defer func() {
		if recover() == nil {
			t.Fatalf("second bind did not panic")
		}
	}()
	h.Bind(4)
}

func TestBindAfterRejectPanics(t *testing.T) {
	h := newHandle()
	h.Reject(syscall.EACCES)

	defer func() {
		if recover() == nil {
			t.Fatalf("bind after reject did not panic")
		}
	}()
	h.Bind(5)
}

func TestBindNegativePanics(t *testing.T) {
	h := newHandle()

	defer func() {
		if recover() == nil {
			t.Fatalf("binding a negative descriptor did not panic")
		}
	}()
	h.Bind(-1)
}

func TestPipeRoundTrip(t *testing.T) {
	h := newHandle()

	readFD, writeFD, errno := h.PipeFDs()
	if errno != 0 {
		t.Fatalf("creating pipe: %v", errno)
	}

	// The pair is created once and reused.
	readFD2, writeFD2, errno := h.PipeFDs()
	if errno != 0 || readFD2 != readFD || writeFD2 != writeFD {
		t.Fatalf("second PipeFDs returned a different pair")
	}

	payload := []byte("handoff bytes")
	if _, err := syscall.Write(writeFD, payload); err != nil {
		t.Fatalf("writing to pipe: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := syscall.Read(readFD, buf)
	if err != nil {
		t.Fatalf("reading from pipe: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("pipe returned %q, want %q", buf[:n], payload)
	}

	h.reset()

	// reset closed the pair.
	if _, err := syscall.Write(writeFD, payload); err == nil {
		t.Fatalf("write to pipe succeeded after reset")
	}
}

func TestResetReturnsHandleToUnbound(t *testing.T) {
	h := newHandle()
	h.Bind(7)
	h.reset()

	if h.Resolved() {
		t.Fatalf("handle still resolved after reset")
	}
}
