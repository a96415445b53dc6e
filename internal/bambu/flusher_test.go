// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package bambu

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlusherRoundRobin(t *testing.T) {
	p1 := newTestPrinter(PrinterConfig{}, nil)
	p2 := newTestPrinter(PrinterConfig{Serial: "00M09C4A1234567"}, nil)

	f := NewFlusher([]*Printer{p1, p2})
	f.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()

	waitStoreRequest := func(p *Printer) {
		select {
		case req := <-p.StoreRequests():
			if req.Kind != StoreRequestPrinterState {
				t.Errorf("store request kind = %d, want printer state", req.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no store request arrived")
		}
	}
	waitStoreRequest(p1)
	waitStoreRequest(p2)
	waitStoreRequest(p1)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}
}

func TestFlusherNoPrinters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFlusher(nil)

	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}
}
