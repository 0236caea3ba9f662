// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cannyfs implements the cannyfs pass-through FUSE
// filesystem: a loopback mount over a source directory that answers
// mutations before the backing store has applied them.
//
// The filesystem targets batch pipelines whose whole output tree can
// be discarded and recomputed on failure. Under that contract it
// trades strict durability and error reporting for throughput:
// deferrable mutations return success immediately and execute on a
// worker pool, ordered per path by the engine in lib/engine; errors
// from deferred work are logged, never reported to the client.
//
// Mount attaches the filesystem with [Mount]; per-call-class
// eagerness is tuned through [Options].
package cannyfs
