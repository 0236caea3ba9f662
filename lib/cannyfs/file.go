// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/samuell/cannyfs/lib/engine"
	"github.com/samuell/cannyfs/lib/handle"
)

// cannyFile is the kernel-facing file object. It carries the virtual
// handle id, not a descriptor: the descriptor binds whenever the
// deferred open runs.
type cannyFile struct {
	// mu serializes write submissions on this open file so the
	// pipe fill order matches the ticket order of the drain
	// closures.
	mu sync.Mutex

	root   *rootData
	rel    string
	id     uint64
	handle *handle.Handle
}

func newCannyFile(root *rootData, rel string, id uint64) *cannyFile {
	return &cannyFile{
		root:   root,
		rel:    rel,
		id:     id,
		handle: root.handles.Get(id),
	}
}

var _ = (gofuse.FileHandle)((*cannyFile)(nil))
var _ = (gofuse.FileReader)((*cannyFile)(nil))
var _ = (gofuse.FileWriter)((*cannyFile)(nil))
var _ = (gofuse.FileGetattrer)((*cannyFile)(nil))
var _ = (gofuse.FileFlusher)((*cannyFile)(nil))
var _ = (gofuse.FileReleaser)((*cannyFile)(nil))
var _ = (gofuse.FileFsyncer)((*cannyFile)(nil))
var _ = (gofuse.FileAllocater)((*cannyFile)(nil))
var _ = (gofuse.FileLseeker)((*cannyFile)(nil))
var _ = (gofuse.FileGetlker)((*cannyFile)(nil))
var _ = (gofuse.FileSetlker)((*cannyFile)(nil))
var _ = (gofuse.FileSetlkwer)((*cannyFile)(nil))

func (f *cannyFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	defer f.root.engine.ReadBarrier(f.rel, engine.JustBarrier).Close()

	fd, errno := f.handle.FD()
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultFd(uintptr(fd), off, len(dest)), gofuse.OK
}

// Write copies the request buffer out through the handle's pipe pair
// and returns before the data reaches the file. The drain closure is
// submitted first, then the pipe is filled: the worker's splice
// simply blocks until the bytes flow through, and a full pipe blocks
// this kernel thread instead of queueing unbounded memory.
func (f *cannyFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	size := len(data)
	if size == 0 {
		return 0, gofuse.OK
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	pipeRead, pipeWrite, errno := f.handle.PipeFDs()
	if errno != 0 {
		return 0, errno
	}

	h := f.handle
	err := f.root.engine.Mutate(true, []string{f.rel}, func() error {
		fd, errno := h.FD()
		if errno != 0 {
			return fmt.Errorf("draining write of %d bytes: %w", size, errno)
		}
		return spliceAll(pipeRead, fd, size, off)
	})
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}

	for written := 0; written < size; {
		n, err := syscall.Write(pipeWrite, data[written:])
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			// The drain closure is already queued and will
			// splice whatever arrived; nothing to unwind
			// here beyond reporting the short write.
			return uint32(written), gofuse.ToErrno(err)
		}
		written += n
	}
	return uint32(size), gofuse.OK
}

// spliceAll moves exactly size bytes from the pipe into fd at off.
func spliceAll(pipeRead, fd, size int, off int64) error {
	remaining := size
	for remaining > 0 {
		n, err := unix.Splice(pipeRead, nil, fd, &off, remaining, unix.SPLICE_F_MOVE)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("splicing %d bytes at offset %d: %w", remaining, off, err)
		}
		if n == 0 {
			return fmt.Errorf("pipe closed with %d bytes left to splice", remaining)
		}
		remaining -= int(n)
	}
	return nil
}

func (f *cannyFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	defer f.root.engine.ReadBarrier(f.rel, engine.JustBarrier).Close()

	fd, errno := f.handle.FD()
	if errno != 0 {
		return errno
	}
	st := syscall.Stat_t{}
	if err := syscall.Fstat(fd, &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStat(&st)
	return gofuse.OK
}

// Flush runs on every close of a duplicated descriptor, so it must
// not retire the real one. Under closeverylate the dup parks in the
// reservoir; otherwise a dup'd close flushes per the eagerclose
// policy.
func (f *cannyFile) Flush(ctx context.Context) syscall.Errno {
	opts := &f.root.opts
	h := f.handle

	if opts.CloseVeryLate {
		return errnoOf(f.root.engine.Mutate(true, []string{f.rel}, func() error {
			fd, errno := h.FD()
			if errno != 0 {
				return errno
			}
			dup, err := syscall.Dup(fd)
			if err != nil {
				return err
			}
			f.root.reservoir.Add(dup)
			return nil
		}))
	}

	return errnoOf(f.root.engine.Mutate(opts.EagerClose, []string{f.rel}, func() error {
		fd, errno := h.FD()
		if errno != 0 {
			return errno
		}
		dup, err := syscall.Dup(fd)
		if err != nil {
			return err
		}
		return syscall.Close(dup)
	}))
}

// Release retires the descriptor under the close policy and recycles
// the handle id. The closure runs after every earlier operation on
// this path, so nothing can use the id afterwards.
func (f *cannyFile) Release(ctx context.Context) syscall.Errno {
	opts := &f.root.opts
	h := f.handle
	id := f.id
	deferred := opts.CloseVeryLate || opts.EagerClose

	return errnoOf(f.root.engine.Mutate(deferred, []string{f.rel}, func() error {
		fd, errno := h.FD()
		if errno != 0 {
			f.root.handles.Release(id)
			return errno
		}
		var err error
		if opts.CloseVeryLate {
			f.root.reservoir.Add(fd)
		} else {
			err = syscall.Close(fd)
		}
		f.root.handles.Release(id)
		return err
	}))
}

func (f *cannyFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	opts := &f.root.opts
	if opts.IgnoreFsync {
		return gofuse.OK
	}

	h := f.handle
	return errnoOf(f.root.engine.Mutate(opts.EagerFsync, []string{f.rel}, func() error {
		fd, errno := h.FD()
		if errno != 0 {
			return errno
		}
		if flags&1 != 0 {
			return unix.Fdatasync(fd)
		}
		return syscall.Fsync(fd)
	}))
}

func (f *cannyFile) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	if mode != 0 {
		return syscall.EOPNOTSUPP
	}

	h := f.handle
	return errnoOf(f.root.engine.Mutate(f.root.opts.EagerChown, []string{f.rel}, func() error {
		fd, errno := h.FD()
		if errno != 0 {
			return errno
		}
		return unix.Fallocate(fd, mode, int64(off), int64(size))
	}))
}

func (f *cannyFile) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	defer f.root.engine.ReadBarrier(f.rel, engine.JustBarrier).Close()

	fd, errno := f.handle.FD()
	if errno != 0 {
		return 0, errno
	}
	n, err := unix.Seek(fd, int64(off), int(whence))
	return uint64(n), gofuse.ToErrno(err)
}

const (
	_OFD_GETLK  = 36
	_OFD_SETLK  = 37
	_OFD_SETLKW = 38
)

func (f *cannyFile) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	defer f.root.engine.ReadBarrier(f.rel, engine.JustBarrier).Close()

	fd, errno := f.handle.FD()
	if errno != 0 {
		return errno
	}
	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	if err := syscall.FcntlFlock(uintptr(fd), _OFD_GETLK, &flk); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromFlockT(&flk)
	return gofuse.OK
}

func (f *cannyFile) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return f.setlk(lk, _OFD_SETLK)
}

func (f *cannyFile) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return f.setlk(lk, _OFD_SETLKW)
}

func (f *cannyFile) setlk(lk *fuse.FileLock, cmd int) syscall.Errno {
	defer f.root.engine.ReadBarrier(f.rel, engine.JustBarrier).Close()

	fd, errno := f.handle.FD()
	if errno != 0 {
		return errno
	}
	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	return gofuse.ToErrno(syscall.FcntlFlock(uintptr(fd), cmd, &flk))
}

// errnoOf converts an inline mutation's error for the kernel reply;
// deferred mutations return nil by construction.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return gofuse.OK
	}
	return gofuse.ToErrno(err)
}
