// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"testing"
)

func TestTicketsStrictlyIncrease(t *testing.T) {
	var source ticketSource

	previous := int64(0)
	for i := 0; i < 1000; i++ {
		ticket := source.next()
		if ticket <= previous {
			t.Fatalf("ticket %d not greater than predecessor %d", ticket, previous)
		}
		previous = ticket
	}
}

func TestTicketsNeverReused(t *testing.T) {
	var source ticketSource

	const goroutines = 8
	const perGoroutine = 1000

	results := make([][]int64, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				results[g] = append(results[g], source.next())
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for g, tickets := range results {
		for i, ticket := range tickets {
			if ticket <= 0 {
				t.Fatalf("goroutine %d issued non-positive ticket %d", g, ticket)
			}
			if seen[ticket] {
				t.Fatalf("ticket %d issued twice", ticket)
			}
			seen[ticket] = true
			if i > 0 && ticket <= tickets[i-1] {
				t.Fatalf("goroutine %d saw tickets out of order: %d after %d", g, ticket, tickets[i-1])
			}
		}
	}
}
