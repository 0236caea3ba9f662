// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// DefaultWorkers is the executor pool size when Config.Workers is
// zero. Sixteen matches the workloads cannyfs targets: enough to keep
// a busy batch pipeline's metadata churn off the critical path
// without swamping the backing store.
const DefaultWorkers = 16

// defaultQueueDepth bounds the deferred-task queue. A full queue
// backpressures the kernel threads instead of growing without limit.
const defaultQueueDepth = 1024

// Config carries the engine tunables.
type Config struct {
	// Workers is the number of executor goroutines. Zero means
	// DefaultWorkers.
	Workers int

	// QueueDepth bounds the deferred-task queue. Zero picks a
	// default.
	QueueDepth int

	// RestrictiveDirs serializes mutations against directory
	// enumeration through the global sentinel record, making
	// readdir observe a consistent tree at the cost of one shared
	// drain point.
	RestrictiveDirs bool

	// Logger receives deferred-failure diagnostics. If nil, a
	// stderr text handler at Error level is used.
	Logger *slog.Logger
}

// Engine is the deferred-operation engine. One instance serves one
// mount.
type Engine struct {
	clock           ticketSource
	paths           *pathMap
	exec            *executor
	logger          *slog.Logger
	restrictiveDirs bool

	// inflight counts registered tickets whose closures have not
	// completed, across all paths. Zero after Close means no work
	// leaked.
	inflight atomic.Int64

	closed atomic.Bool
}

// New creates an engine and starts its worker pool.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	e := &Engine{
		paths:           newPathMap(),
		logger:          cfg.Logger,
		restrictiveDirs: cfg.RestrictiveDirs,
	}
	e.exec = newExecutor(cfg.Workers, cfg.QueueDepth, cfg.Logger)
	return e
}

// Mutate dispatches one mutation touching the given paths.
//
// The mutation is ticket-stamped and registered before Mutate
// returns, so any reader barrier constructed afterwards waits for it.
// With deferred set, the closure is handed to the worker pool and
// Mutate returns nil immediately; the closure's error, if any, is
// logged and never surfaces to a caller. Otherwise the closure runs
// inline under the same write guard and its error is returned.
//
// After Close, everything runs inline regardless of deferred.
func (e *Engine) Mutate(deferred bool, paths []string, op func() error) error {
	guard := e.register(paths...)

	if deferred && !e.closed.Load() {
		if e.exec.submit(task{guard: guard, op: op}) {
			return nil
		}
	}

	defer guard.Close()
	guard.acquire(LockWhole)
	return op()
}

// InFlight returns the number of registered mutations that have not
// yet completed.
func (e *Engine) InFlight() int64 {
	return e.inflight.Load()
}

// KnownPaths returns the number of paths with a synchronization
// record.
func (e *Engine) KnownPaths() int {
	return e.paths.size()
}

// Close stops accepting deferred work, drains the queue, and joins
// the workers. Every closure submitted before Close runs to
// completion; nothing is cancelled. If registered work somehow
// remains afterwards it is logged, since that breaks the no-leak
// guarantee callers rely on at unmount.
func (e *Engine) Close() {
	e.closed.Store(true)
	e.exec.close()

	if n := e.inflight.Load(); n != 0 {
		e.logger.Error("engine closed with operations still registered", "count", n)
	}
}
