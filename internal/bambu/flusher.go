// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"context"
	"time"
)

// flushInterval is the gap between two flush ticks. One printer is flushed
// per tick, so a full round across N printers takes N intervals.
const flushInterval = 3 * time.Second

// Flusher round-robins state saves across all printers. A store deferred by
// a write failure or a full request queue is retried here instead of
// waiting for the next report from that printer.
type Flusher struct {
	printers []*Printer
	interval time.Duration
}

// NewFlusher builds the flusher for the given printers.
func NewFlusher(printers []*Printer) *Flusher {
	return &Flusher{printers: printers, interval: flushInterval}
}

// String implements suture's service naming.
func (f *Flusher) String() string { return "state-flusher" }

// Serve implements suture.Service.
func (f *Flusher) Serve(ctx context.Context) error {
	if len(f.printers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.printers[next].RequestStateStore()
			next = (next + 1) % len(f.printers)
		}
	}
}
