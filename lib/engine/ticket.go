// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "sync/atomic"

// ticketSource issues event tickets: strictly increasing 64-bit
// integers, one per mutation, never reused. Ticket order is the total
// submission order across the whole filesystem.
type ticketSource struct {
	last atomic.Int64
}

// next allocates the next ticket. Safe for concurrent use. The first
// ticket issued is 1, so zero can mean "no event" in path records.
func (s *ticketSource) next() int64 {
	return s.last.Add(1)
}
