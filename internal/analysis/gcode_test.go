// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package analysis

import (
	"testing"
)

const twoFilamentGcode = `; total layer number: 2
; filament_diameter: 1.75,1.75
; filament_density: 1.24,1.27
; filament: 1,2
M620 S0A
G1 X10 E5.0
; CHANGE_LAYER
G1 E3.0
M620 S1A
G1 E2.0
; CHANGE_LAYER
`

func runCalc(t *testing.T, gcode string, chunkSize int) *Calc {
	t.Helper()
	c := NewCalc()
	data := []byte(gcode)
	for len(data) > 0 {
		n := chunkSize
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		if err := c.AddBuffer(data[:n]); err != nil {
			t.Fatalf("AddBuffer: %v", err)
		}
		data = data[n:]
	}
	c.Done()
	return c
}

func TestCalcTwoFilaments(t *testing.T) {
	c := runCalc(t, twoFilamentGcode, 0)

	if c.TotalLayers != 2 {
		t.Errorf("TotalLayers = %d, want 2", c.TotalLayers)
	}
	if c.FilamentSwaps != 2 {
		t.Errorf("FilamentSwaps = %d, want 2", c.FilamentSwaps)
	}
	if c.TotalExtruded != 10 {
		t.Errorf("TotalExtruded = %v, want 10", c.TotalExtruded)
	}

	want := []FilamentUsageEntry{
		{Layer: 0, GcodeFilamentID: 0, WeightG: GramsFromLength(5, 1.75, 1.24)},
		{Layer: 1, GcodeFilamentID: 0, WeightG: GramsFromLength(3, 1.75, 1.24)},
		{Layer: 1, GcodeFilamentID: 1, WeightG: GramsFromLength(2, 1.75, 1.27)},
		{Layer: 2, GcodeFilamentID: 1, WeightG: 0},
	}
	if len(c.Entries) != len(want) {
		t.Fatalf("entries = %+v, want %d entries", c.Entries, len(want))
	}
	for i, w := range want {
		if c.Entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, c.Entries[i], w)
		}
	}
}

func TestCalcChunkedInputMatches(t *testing.T) {
	whole := runCalc(t, twoFilamentGcode, 0)
	chunked := runCalc(t, twoFilamentGcode, 7)

	if len(whole.Entries) != len(chunked.Entries) {
		t.Fatalf("chunked run produced %d entries, whole run %d", len(chunked.Entries), len(whole.Entries))
	}
	for i := range whole.Entries {
		if whole.Entries[i] != chunked.Entries[i] {
			t.Errorf("entry %d differs: %+v vs %+v", i, whole.Entries[i], chunked.Entries[i])
		}
	}
	if whole.TotalExtruded != chunked.TotalExtruded {
		t.Errorf("TotalExtruded differs: %v vs %v", whole.TotalExtruded, chunked.TotalExtruded)
	}
}

func TestCalcPartialLineHeldBack(t *testing.T) {
	c := NewCalc()
	header := "; filament_diameter: 1.75\n; filament_density: 1.24\n; filament: 1\nM620 S0A\n"
	if err := c.AddBuffer([]byte(header)); err != nil {
		t.Fatal(err)
	}
	if err := c.AddBuffer([]byte("G1 E5")); err != nil {
		t.Fatal(err)
	}
	if c.TotalExtruded != 0 {
		t.Errorf("partial line processed early: %v", c.TotalExtruded)
	}
	if err := c.AddBuffer([]byte(".5\n")); err != nil {
		t.Fatal(err)
	}
	if c.TotalExtruded != 5.5 {
		t.Errorf("TotalExtruded = %v, want 5.5", c.TotalExtruded)
	}
}

func TestCalcRetractSequence(t *testing.T) {
	gcode := `; filament_diameter: 1.75
; filament_density: 1.24
; filament: 1
M620 S0A
G1 E5.0
M620.11 S1 E1.0
G1 E0.5
; CHANGE_LAYER
`
	c := runCalc(t, gcode, 0)

	// The cut sequence retracts one unit past zero; the following short
	// extrusion only refills that deficit.
	if c.TotalExtruded != 4 {
		t.Errorf("TotalExtruded = %v, want 4", c.TotalExtruded)
	}
	if len(c.Entries) < 1 {
		t.Fatal("no entries")
	}
	if got := c.Entries[0].WeightG; got != GramsFromLength(5, 1.75, 1.24) {
		t.Errorf("layer weight = %v, want %v", got, GramsFromLength(5, 1.75, 1.24))
	}
}

func TestCalcExtrusionBeforeSelectionIgnored(t *testing.T) {
	gcode := `; filament_diameter: 1.75
; filament_density: 1.24
; filament: 1
G1 E9.0
M620 S0A
G1 E2.0
; CHANGE_LAYER
`
	c := runCalc(t, gcode, 0)
	if c.TotalExtruded != 2 {
		t.Errorf("TotalExtruded = %v, want 2", c.TotalExtruded)
	}
}

func TestCalcBadHeader(t *testing.T) {
	c := NewCalc()
	if err := c.AddBuffer([]byte("; filament_density: 1.24,oops\n")); err == nil {
		t.Error("expected error for a bad density header")
	}

	c = NewCalc()
	if err := c.AddBuffer([]byte("; filament: a,b\n")); err == nil {
		t.Error("expected error for bad filament ids")
	}
}

func TestGramsFromLength(t *testing.T) {
	// One meter of 1.75 mm PLA is roughly three grams.
	g := GramsFromLength(1000, 1.75, 1.24)
	if g < 2.9 || g > 3.1 {
		t.Errorf("GramsFromLength(1000, 1.75, 1.24) = %v, want about 3", g)
	}
	if GramsFromLength(0, 1.75, 1.24) != 0 {
		t.Error("zero length must weigh nothing")
	}
}
