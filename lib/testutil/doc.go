// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for cannyfs packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback)
// so that tests exercising barriers and deferred closures cannot hang
// the suite when an ordering bug makes a signal never arrive.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
