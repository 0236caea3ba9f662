// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// task pairs a registered write guard with the closure it protects.
type task struct {
	guard *writeGuard
	op    func() error
}

// executor is the bounded worker pool that runs deferred mutation
// closures. Workers pull tasks FIFO; the pool itself imposes no
// per-path order — that comes from each task's guard.
type executor struct {
	queue  chan task
	group  *errgroup.Group
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newExecutor(workers, depth int, logger *slog.Logger) *executor {
	x := &executor{
		queue:  make(chan task, depth),
		group:  new(errgroup.Group),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		x.group.Go(x.serve)
	}
	return x
}

// submit enqueues a task, blocking while the queue is full. Returns
// false once the executor has shut down; the caller then runs the
// task inline instead.
func (x *executor) submit(t task) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return false
	}
	x.queue <- t
	return true
}

// close stops intake, lets the workers drain the queue, and joins
// them. Pending tasks all run; nothing is aborted.
func (x *executor) close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	x.mu.Unlock()

	close(x.queue)
	_ = x.group.Wait()
}

func (x *executor) serve() error {
	for t := range x.queue {
		x.run(t)
	}
	return nil
}

// run executes one task. The guard is released on every exit path so
// drain signals fire even when the closure panics; the panic is
// contained here and the worker keeps serving.
func (x *executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("panic in deferred operation",
				"ticket", t.guard.ticket,
				"paths", t.guard.paths,
				"panic", r,
			)
		}
	}()
	defer t.guard.Close()

	t.guard.acquire(LockWhole)
	if err := t.op(); err != nil {
		x.logger.Error("deferred operation failed",
			"ticket", t.guard.ticket,
			"paths", t.guard.paths,
			"error", err,
		)
	}
}
