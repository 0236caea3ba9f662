// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the deferred-operation engine at the heart
// of cannyfs: the machinery that lets a filesystem mutation return
// success to the kernel before the underlying storage has applied it.
//
// Every mutation, deferred or not, is stamped with a monotonically
// increasing event ticket and registered against the paths it touches
// before the originating callback returns. A bounded pool of workers
// executes deferred mutations; per-path submission order is enforced
// by each closure waiting until its ticket is the oldest still pending
// on its path, while mutations on unrelated paths run in parallel.
//
// Read-style operations take a reader barrier: they wait until every
// mutation submitted against the same path before the barrier was
// constructed has finished. This is what makes a stat() after a
// deferred chmod() observe the new mode even though the chmod had not
// run when it returned.
//
// Errors from deferred mutations are logged with their ticket and
// path; they are never propagated into a later operation's return
// value. Callers that need to detect failure rerun their batch after
// observing missing outputs.
package engine
