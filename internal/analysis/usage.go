// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// FilamentUsageEntry is one contiguous extrusion run: the grams of one
// filament extruded within one layer. A layer with tool changes produces
// several entries; the sequence over a whole job is ordered by layer.
type FilamentUsageEntry struct {
	Layer           int32   `json:"layer"`
	GcodeFilamentID int32   `json:"filament"`
	WeightG         float32 `json:"weight_g"`
}

// EncodeUsage renders usage entries to the line-per-entry text format used
// for the print job's usage file.
func EncodeUsage(entries []FilamentUsageEntry) string {
	var b strings.Builder
	b.WriteString("layer,filament,weight_g\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%d,%d,%s\n", e.Layer, e.GcodeFilamentID,
			strconv.FormatFloat(float64(e.WeightG), 'g', -1, 32))
	}
	return b.String()
}

// DecodeUsage parses the usage file format produced by EncodeUsage.
func DecodeUsage(content string) ([]FilamentUsageEntry, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 0 {
		return nil, nil
	}
	entries := make([]FilamentUsageEntry, 0, len(lines)-1)
	for i, line := range lines {
		if i == 0 {
			continue // title line
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("analysis: usage line %d: expected 3 fields, got %d", i+1, len(fields))
		}
		layer, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("analysis: usage line %d: layer: %w", i+1, err)
		}
		filament, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("analysis: usage line %d: filament: %w", i+1, err)
		}
		weight, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return nil, fmt.Errorf("analysis: usage line %d: weight: %w", i+1, err)
		}
		entries = append(entries, FilamentUsageEntry{
			Layer:           int32(layer),
			GcodeFilamentID: int32(filament),
			WeightG:         float32(weight),
		})
	}
	return entries, nil
}
