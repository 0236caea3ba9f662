// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"fmt"
	"sync"
)

// Table hands out stable integer ids for virtual handles. Slots live
// in an append-only slab of pointers, so a handle's address never
// moves once allocated; released ids go onto a free list and are
// recycled before the slab grows.
type Table struct {
	mu    sync.RWMutex
	slots []*Handle
	free  []uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Acquire returns an id whose handle is unbound and ready for use.
// An id is never handed out twice while held.
func (t *Table) Acquire() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		return id
	}

	t.slots = append(t.slots, newHandle())
	return uint64(len(t.slots) - 1)
}

// Get resolves an id to its handle. Resolving an id the table never
// issued is an impossible state and panics.
func (t *Table) Get(id uint64) *Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id >= uint64(len(t.slots)) {
		panic(fmt.Sprintf("handle: id %d out of range (%d slots)", id, len(t.slots)))
	}
	return t.slots[id]
}

// Release resets the slot and recycles the id. The caller guarantees
// that no operation against this id is still pending.
func (t *Table) Release(id uint64) {
	t.Get(id).reset()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.free = append(t.free, id)
}

// Size returns the number of slots ever allocated.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
