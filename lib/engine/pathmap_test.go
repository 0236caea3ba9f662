// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sync"
	"testing"
)

func TestPathMapLookupMissing(t *testing.T) {
	m := newPathMap()

	if record := m.lookup("/a/b", false); record != nil {
		t.Fatalf("lookup without create returned a record for an unknown path")
	}
	if m.size() != 0 {
		t.Fatalf("lookup without create inserted a record")
	}
}

func TestPathMapCreateIsStable(t *testing.T) {
	m := newPathMap()

	created := m.lookup("/a/b", true)
	if created == nil {
		t.Fatalf("lookup with create returned nil")
	}
	if again := m.lookup("/a/b", false); again != created {
		t.Fatalf("second lookup returned a different record")
	}
	if m.size() != 1 {
		t.Fatalf("expected 1 record, got %d", m.size())
	}
}

func TestPathMapConcurrentCreateConverges(t *testing.T) {
	m := newPathMap()

	const goroutines = 16
	records := make(chan *pathRecord, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records <- m.lookup("/contended", true)
		}()
	}
	wg.Wait()
	close(records)

	first := <-records
	for record := range records {
		if record != first {
			t.Fatalf("concurrent creators got distinct records")
		}
	}
	if m.size() != 1 {
		t.Fatalf("expected 1 record, got %d", m.size())
	}
}

func TestPathMapManyPaths(t *testing.T) {
	m := newPathMap()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.lookup(fmt.Sprintf("/p/%d", i), true)
		}(i)
	}
	wg.Wait()

	if m.size() != 100 {
		t.Fatalf("expected 100 records, got %d", m.size())
	}
}
