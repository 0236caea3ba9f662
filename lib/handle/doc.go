// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package handle manages virtual file handles: the identities the
// kernel sees as open files before the backing descriptor exists.
//
// When cannyfs defers an open or create, the kernel immediately
// receives a handle id allocated from the [Table]; the real open(2)
// runs later on a worker, which binds the resulting descriptor into
// the [Handle]. Anything that needs the descriptor calls [Handle.FD],
// which blocks until the bind (or the open's failure) happens.
//
// Each handle also owns a lazily created pipe pair used by the write
// path as a zero-copy handoff buffer between the kernel thread and
// the worker that eventually writes the data.
package handle
