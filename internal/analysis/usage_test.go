// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package analysis

import (
	"strings"
	"testing"
)

func TestUsageRoundTrip(t *testing.T) {
	entries := []FilamentUsageEntry{
		{Layer: 0, GcodeFilamentID: 0, WeightG: 1.5},
		{Layer: 0, GcodeFilamentID: 1, WeightG: 0.25},
		{Layer: 7, GcodeFilamentID: 0, WeightG: 12.125},
	}
	encoded := EncodeUsage(entries)
	if !strings.HasPrefix(encoded, "layer,filament,weight_g\n") {
		t.Fatalf("missing title line: %q", encoded)
	}

	decoded, err := DecodeUsage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(entries))
	}
	for i := range entries {
		if decoded[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, decoded[i], entries[i])
		}
	}
}

func TestUsageEmpty(t *testing.T) {
	decoded, err := DecodeUsage(EncodeUsage(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("decoded %d entries from an empty table", len(decoded))
	}
}

func TestUsageDecodeErrors(t *testing.T) {
	bad := []string{
		"layer,filament,weight_g\n1,2\n",
		"layer,filament,weight_g\nx,0,1.5\n",
		"layer,filament,weight_g\n0,x,1.5\n",
		"layer,filament,weight_g\n0,0,heavy\n",
	}
	for _, content := range bad {
		if _, err := DecodeUsage(content); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}
