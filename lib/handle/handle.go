// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// toErrno maps a syscall error to its Errno, or EIO when the error
// carries none.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// Handle is a virtual file handle. It starts unbound; the worker that
// performs the real open binds the descriptor exactly once. Slots in
// the table are recycled, so a Handle's fields reset between
// lifetimes but its address never changes.
type Handle struct {
	mu     sync.Mutex
	opened sync.Cond

	// fd is the backing descriptor, -1 while unbound. Once bound
	// to a non-negative value it is never rebound.
	fd int

	// errno is set instead of fd when the backing open failed.
	errno syscall.Errno

	// resolved flips when the open outcome (either way) is known.
	resolved bool

	// pipe is the lazily created handoff pair for the write path.
	// pipe[0] is the read end, pipe[1] the write end.
	pipe    [2]int
	hasPipe bool
}

func newHandle() *Handle {
	h := &Handle{fd: -1}
	h.opened.L = &h.mu
	return h
}

// Bind stores the descriptor obtained by the deferred open and wakes
// every waiter. Binding a handle that already resolved is an
// impossible state and panics.
func (h *Handle) Bind(fd int) {
	if fd < 0 {
		panic(fmt.Sprintf("handle: binding invalid descriptor %d", fd))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		panic("handle: descriptor already resolved")
	}
	h.fd = fd
	h.resolved = true
	h.opened.Broadcast()
}

// Reject records that the backing open failed, unblocking FD waiters
// with the error. Without this, every operation queued behind a
// failed open would hang forever.
func (h *Handle) Reject(errno syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		panic("handle: descriptor already resolved")
	}
	h.errno = errno
	h.resolved = true
	h.opened.Broadcast()
}

// FD blocks until the handle resolves, then returns the bound
// descriptor or the errno the open failed with.
func (h *Handle) FD() (int, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.resolved {
		h.opened.Wait()
	}
	if h.errno != 0 {
		return -1, h.errno
	}
	return h.fd, 0
}

// Resolved reports whether the open outcome is known, without
// blocking.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved
}

// PipeFDs returns the handle's pipe pair, creating it on first use.
// The pair deliberately stays blocking: a writer filling a full pipe
// backpressures the kernel thread, bounding the memory a fast client
// can queue against a slow disk.
func (h *Handle) PipeFDs() (readFD, writeFD int, errno syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasPipe {
		if err := unix.Pipe2(h.pipe[:], unix.O_CLOEXEC); err != nil {
			return -1, -1, toErrno(err)
		}
		h.hasPipe = true
	}
	return h.pipe[0], h.pipe[1], 0
}

// reset returns the handle to its unbound state for slot recycling.
// The pipe pair is closed; the backing descriptor is not, since its
// ownership moved to whoever resolved the close policy.
func (h *Handle) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasPipe {
		unix.Close(h.pipe[0])
		unix.Close(h.pipe[1])
		h.hasPipe = false
	}
	h.fd = -1
	h.errno = 0
	h.resolved = false
}
