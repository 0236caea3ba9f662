// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"log/slog"
	"sync"
	"syscall"
)

// Reservoir holds descriptors whose close is postponed until
// unmount. Closing is the one syscall a batch pipeline pays for on
// every output file, so under the closeverylate policy flush and
// release just park the descriptor here.
//
// With a limit set, adding beyond it closes the oldest descriptors
// first. Unbounded is the default and is deliberate for batch runs;
// it will exhaust the descriptor table of a long-running process.
type Reservoir struct {
	mu     sync.Mutex
	fds    []int
	limit  int
	logger *slog.Logger
}

// NewReservoir returns a reservoir closing oldest-first beyond limit;
// limit zero means unbounded.
func NewReservoir(limit int, logger *slog.Logger) *Reservoir {
	return &Reservoir{limit: limit, logger: logger}
}

// Add takes ownership of fd and parks it until Drain.
func (r *Reservoir) Add(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fds = append(r.fds, fd)
	if r.limit <= 0 {
		return
	}
	for len(r.fds) > r.limit {
		oldest := r.fds[0]
		r.fds = r.fds[1:]
		if err := syscall.Close(oldest); err != nil {
			r.logger.Error("closing descriptor under reservoir pressure", "fd", oldest, "error", err)
		}
	}
}

// Len returns the number of parked descriptors.
func (r *Reservoir) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fds)
}

// Drain closes every parked descriptor. Errors are logged; by this
// point there is nobody left to report them to.
func (r *Reservoir) Drain() {
	r.mu.Lock()
	fds := r.fds
	r.fds = nil
	r.mu.Unlock()

	for _, fd := range fds {
		if err := syscall.Close(fd); err != nil {
			r.logger.Error("closing reservoir descriptor", "fd", fd, "error", err)
		}
	}
}
