// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "sort"

// BarrierMode selects how much of the path record a barrier retains
// after its wait completes.
type BarrierMode int

const (
	// JustBarrier waits for pending work and then releases the
	// path serializer immediately.
	JustBarrier BarrierMode = iota

	// LockWhole retains the path serializer until Close, excluding
	// any concurrent mutation on the same path for the guard's
	// whole scope.
	LockWhole
)

// sentinelPath keys the process-wide record used by restrictive-dirs
// mode: every real-path mutation also registers here, and directory
// reads barrier on it instead of on the directory itself.
const sentinelPath = ""

// ReadGuard is a scoped reader barrier. After the constructor
// returns, every mutation registered against the same path before the
// barrier's construction has finished. Close releases the serializer
// when the guard was constructed with LockWhole; it is a no-op
// otherwise but must still be called.
type ReadGuard struct {
	record *pathRecord
	locked bool
}

// ReadBarrier waits until all mutations registered against path
// before this call have completed. A path with no record has no
// pending work; the record is only created when the guard must hold
// the serializer afterwards.
func (e *Engine) ReadBarrier(path string, mode BarrierMode) *ReadGuard {
	record := e.paths.lookup(path, mode == LockWhole)
	if record == nil {
		return &ReadGuard{}
	}

	record.mu.Lock()
	snapshot := record.lastEvent
	for record.hasPendingAtOrBefore(snapshot) {
		record.drained.Wait()
	}

	if mode == JustBarrier {
		record.mu.Unlock()
		return &ReadGuard{}
	}
	return &ReadGuard{record: record, locked: true}
}

// DirReadBarrier is the reader barrier for directory enumeration. In
// restrictive-dirs mode it waits on the global sentinel instead of
// the directory's own path, so it observes every mutation anywhere in
// the tree that was submitted before it.
func (e *Engine) DirReadBarrier(path string, mode BarrierMode) *ReadGuard {
	if e.restrictiveDirs {
		path = sentinelPath
	}
	return e.ReadBarrier(path, mode)
}

// Close releases any serializer the guard retained.
func (g *ReadGuard) Close() {
	if g.locked {
		g.locked = false
		g.record.mu.Unlock()
	}
}

// writeGuard tracks one mutation's registration across the paths it
// touches. Registration happens at dispatch time, on the kernel's
// thread, so a reader barrier constructed at any point after the
// originating call returned will observe the mutation as pending.
// Acquisition and completion happen wherever the closure runs.
type writeGuard struct {
	engine  *Engine
	ticket  int64
	paths   []string
	records []*pathRecord

	// aux is the restrictive-dirs sentinel record, when enabled.
	// The ticket is registered there for presence only; acquire
	// never waits on it, so unrelated mutations keep running in
	// parallel while directory readers see a single drain point.
	aux *pathRecord

	locked bool
	done   bool
}

// register stamps a new ticket and records it as pending on every
// given path. Paths are deduplicated and sorted so multi-path
// mutations touch records in a stable order.
func (e *Engine) register(paths ...string) *writeGuard {
	ticket := e.clock.next()

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	unique := sorted[:0]
	for i, p := range sorted {
		if i == 0 || p != sorted[i-1] {
			unique = append(unique, p)
		}
	}

	guard := &writeGuard{engine: e, ticket: ticket, paths: unique}
	for _, p := range unique {
		record := e.paths.lookup(p, true)
		record.mu.Lock()
		if ticket > record.lastEvent {
			record.lastEvent = ticket
		}
		record.pending[ticket] = struct{}{}
		record.mu.Unlock()
		guard.records = append(guard.records, record)
	}

	if e.restrictiveDirs {
		aux := e.paths.lookup(sentinelPath, true)
		aux.mu.Lock()
		if ticket > aux.lastEvent {
			aux.lastEvent = ticket
		}
		aux.pending[ticket] = struct{}{}
		aux.mu.Unlock()
		guard.aux = aux
	}

	e.inflight.Add(1)
	return guard
}

// acquire blocks until this guard's ticket is the oldest pending on
// each of its paths, which yields submission-order execution per
// path. With LockWhole the serializers stay held until Close.
func (g *writeGuard) acquire(mode BarrierMode) {
	for _, record := range g.records {
		record.mu.Lock()
		for record.hasPendingBefore(g.ticket) {
			record.drained.Wait()
		}
		if mode == JustBarrier {
			record.mu.Unlock()
		}
	}
	g.locked = mode == LockWhole
}

// Close retires the ticket from every record it was registered on and
// wakes all waiters. It runs on every exit path, including panics in
// the guarded closure, so reader barriers never hang on a dead
// ticket. Safe to call once.
func (g *writeGuard) Close() {
	if g.done {
		return
	}
	g.done = true

	for _, record := range g.records {
		if !g.locked {
			record.mu.Lock()
		}
		delete(record.pending, g.ticket)
		record.drained.Broadcast()
		record.mu.Unlock()
	}
	g.locked = false

	if g.aux != nil {
		g.aux.mu.Lock()
		delete(g.aux.pending, g.ticket)
		g.aux.drained.Broadcast()
		g.aux.mu.Unlock()
	}

	g.engine.inflight.Add(-1)
}
