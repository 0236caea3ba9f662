// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"io"
	"log/slog"
	"syscall"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// devNullFD opens a descriptor the test can park in the reservoir.
func devNullFD(t *testing.T) int {
	t.Helper()
	fd, err := syscall.Open("/dev/null", syscall.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("opening /dev/null: %v", err)
	}
	return fd
}

func fdIsOpen(fd int) bool {
	var st syscall.Stat_t
	return syscall.Fstat(fd, &st) == nil
}

func TestReservoirHoldsUntilDrain(t *testing.T) {
	r := NewReservoir(0, testLogger())

	fds := make([]int, 5)
	for i := range fds {
		fds[i] = devNullFD(t)
		r.Add(fds[i])
	}

	if r.Len() != 5 {
		t.Fatalf("reservoir holds %d descriptors, want 5", r.Len())
	}
	for _, fd := range fds {
		if !fdIsOpen(fd) {
			t.Fatalf("descriptor %d closed before drain", fd)
		}
	}

	r.Drain()

	if r.Len() != 0 {
		t.Fatalf("reservoir holds %d descriptors after drain", r.Len())
	}
	for _, fd := range fds {
		if fdIsOpen(fd) {
			t.Fatalf("descriptor %d still open after drain", fd)
		}
	}
}

func TestReservoirBoundClosesOldestFirst(t *testing.T) {
	r := NewReservoir(2, testLogger())

	first := devNullFD(t)
	second := devNullFD(t)
	third := devNullFD(t)

	r.Add(first)
	r.Add(second)
	r.Add(third)

	if r.Len() != 2 {
		t.Fatalf("reservoir holds %d descriptors, want limit 2", r.Len())
	}
	if fdIsOpen(first) {
		t.Fatalf("oldest descriptor survived the pressure drain")
	}
	if !fdIsOpen(second) || !fdIsOpen(third) {
		t.Fatalf("newer descriptors closed instead of the oldest")
	}

	r.Drain()
}

func TestDrainOnEmptyReservoir(t *testing.T) {
	r := NewReservoir(0, testLogger())
	r.Drain()
	r.Drain()
}
