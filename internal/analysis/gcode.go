// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package analysis

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Calc accumulates per-layer filament usage from sliced gcode fed through
// AddBuffer in arbitrary chunks. The slicer's comment headers carry the
// density/diameter tables; extrusion is tracked from E words on movement
// lines with the extrusion axis reset at every tool change.
type Calc struct {
	filamentDensity  []float32
	filamentDiameter []float32
	// filamentIndex maps a zero-based gcode filament id to the slicer's
	// filament table index.
	filamentIndex map[int]int

	TotalExtruded float32
	Entries       []FilamentUsageEntry
	FilamentSwaps int32
	TotalLayers   int32

	buf            []byte
	currLine       int
	currPos        float32
	currFilament   *int32
	currLayer      int32
	currExtrudeLen float32
}

// NewCalc creates an empty usage calculator.
func NewCalc() *Calc {
	return &Calc{filamentIndex: make(map[int]int), TotalLayers: -1}
}

// AddBuffer feeds the next chunk of gcode. Complete lines are processed;
// a trailing partial line is kept for the next chunk.
func (c *Calc) AddBuffer(chunk []byte) error {
	c.buf = append(c.buf, chunk...)
	lastNL := bytes.LastIndexByte(c.buf, '\n')
	if lastNL < 0 {
		return nil
	}
	complete := c.buf[:lastNL+1]
	for _, raw := range strings.Split(string(complete), "\n") {
		line := strings.TrimSpace(raw)
		c.currLine++
		if err := c.processLine(line); err != nil {
			return err
		}
	}
	c.buf = c.buf[:copy(c.buf, c.buf[lastNL+1:])]
	return nil
}

// Done flushes the extrusion of the final layer.
func (c *Calc) Done() {
	c.storeCurrExtrusion()
}

func (c *Calc) processLine(line string) error {
	switch {
	case strings.HasPrefix(line, "; CHANGE_LAYER"):
		c.storeCurrExtrusion()

	case strings.HasPrefix(line, "M620 S"):
		c.processToolChange(line)

	case strings.HasPrefix(line, "G"), strings.HasPrefix(line, "M620.11"):
		return c.processMove(line)

	case strings.HasPrefix(line, "; total layer number: "):
		if n, err := strconv.ParseInt(strings.TrimPrefix(line, "; total layer number: "), 10, 32); err == nil {
			c.TotalLayers = int32(n)
		}

	case strings.HasPrefix(line, "; filament_density: "):
		vals, err := parseFloatCSV(strings.TrimPrefix(line, "; filament_density: "))
		if err != nil {
			return fmt.Errorf("analysis: line %d: filament_density: %w", c.currLine, err)
		}
		c.filamentDensity = append(c.filamentDensity, vals...)

	case strings.HasPrefix(line, "; filament_diameter: "):
		vals, err := parseFloatCSV(strings.TrimPrefix(line, "; filament_diameter: "))
		if err != nil {
			return fmt.Errorf("analysis: line %d: filament_diameter: %w", c.currLine, err)
		}
		c.filamentDiameter = append(c.filamentDiameter, vals...)

	case strings.HasPrefix(line, "; filament: "):
		for index, idStr := range strings.Split(strings.TrimPrefix(line, "; filament: "), ",") {
			id, err := strconv.Atoi(strings.TrimSpace(idStr))
			if err != nil {
				return fmt.Errorf("analysis: line %d: filament ids: %w", c.currLine, err)
			}
			// The header lists 1-based ids; M620 S<n>A uses 0-based.
			c.filamentIndex[id-1] = index
		}
	}
	return nil
}

// processToolChange handles "M620 S<n>A" filament switch commands. Pending
// extrusion is flushed as an entry of the current layer before the switch.
func (c *Calc) processToolChange(line string) {
	for _, part := range strings.Split(line, " ") {
		if !strings.HasPrefix(part, "S") || !strings.HasSuffix(part, "A") {
			continue
		}
		id64, err := strconv.ParseInt(part[1:len(part)-1], 10, 32)
		if err != nil {
			continue
		}
		filamentID := int32(id64)

		if c.currExtrudeLen > 0 && c.currFilament != nil {
			c.Entries = append(c.Entries, FilamentUsageEntry{
				Layer:           c.currLayer,
				GcodeFilamentID: *c.currFilament,
				WeightG:         c.extrudeGrams(c.currExtrudeLen, *c.currFilament),
			})
		}
		c.currExtrudeLen = 0

		if c.currFilament == nil || *c.currFilament != filamentID {
			c.FilamentSwaps++
			// A filament change resets the extrusion axis.
			c.currPos = 0
		}
		f := filamentID
		c.currFilament = &f
	}
}

// processMove accumulates E words from movement lines. M620.11 lines are
// part of the cut-and-retract sequence around a filament change; their
// positive E moves retract filament past the zero point and are subtracted
// rather than extruded.
func (c *Calc) processMove(line string) error {
	isRetractSeq := strings.HasPrefix(line, "M620.11")
	for _, part := range strings.Split(line, " ") {
		after, found := strings.CutPrefix(part, "E")
		if !found {
			continue
		}
		v64, err := strconv.ParseFloat(after, 32)
		if err != nil {
			return fmt.Errorf("analysis: line %d: E word %q: %w", c.currLine, part, err)
		}
		v := float32(v64)
		if isRetractSeq {
			if v > 0 {
				c.TotalExtruded -= v
				c.currPos -= v
			}
		} else if c.currFilament != nil {
			// A1 firmware extrudes before the first filament selection;
			// those moves are not attributable and are skipped.
			c.currPos += v
		}
		if c.currPos > 0 {
			c.TotalExtruded += c.currPos
			c.currExtrudeLen += c.currPos
			c.currPos = 0
		}
	}
	return nil
}

func (c *Calc) storeCurrExtrusion() {
	if c.currFilament != nil {
		c.Entries = append(c.Entries, FilamentUsageEntry{
			Layer:           c.currLayer,
			GcodeFilamentID: *c.currFilament,
			WeightG:         c.extrudeGrams(c.currExtrudeLen, *c.currFilament),
		})
		c.currLayer++
	}
	c.currExtrudeLen = 0
}

func (c *Calc) extrudeGrams(length float32, filamentID int32) float32 {
	idx := int(filamentID)
	if mapped, ok := c.filamentIndex[idx]; ok {
		idx = mapped
	}
	if idx < 0 || idx >= len(c.filamentDensity) || idx >= len(c.filamentDiameter) {
		return 0
	}
	return GramsFromLength(length, c.filamentDiameter[idx], c.filamentDensity[idx])
}

// GramsFromLength converts extruded filament length to grams.
func GramsFromLength(lengthMM, diameterMM, density float32) float32 {
	areaCm2 := math.Pi * diameterMM * diameterMM / 100 / 4
	volumeCm3 := lengthMM * areaCm2 / 10
	return volumeCm3 * density
}

func parseFloatCSV(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vals := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		vals = append(vals, float32(v))
	}
	return vals, nil
}
