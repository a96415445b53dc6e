// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import "sync"

// Guard enforces the engine's single-writer discipline at runtime. All
// state mutation runs on the printer's dispatcher goroutine, so the guard
// must always be free when acquired; finding it held means a code path
// re-entered the state while an operation was in flight, which is a
// programming error, not a runtime condition. Acquire therefore panics
// instead of blocking.
type Guard struct {
	mu sync.Mutex
}

// Acquire takes the guard. Panics if it is already held.
func (g *Guard) Acquire() {
	if !g.mu.TryLock() {
		panic("bambu: re-entrant printer state access")
	}
}

// Release frees the guard.
func (g *Guard) Release() {
	g.mu.Unlock()
}
