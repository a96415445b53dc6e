// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package materials carries the built-in material defaults table used to
// complete filament settings before they are sent to a printer. The table
// maps a material type to its generic slicer filament id and nozzle
// temperature range.
package materials

import (
	_ "embed"
	"strconv"
	"strings"
)

//go:embed materials.csv
var table string

// Defaults describes the built-in settings for one material type.
type Defaults struct {
	Material   string
	FilamentID string
	TempLow    uint32
	TempHigh   uint32
}

// Lookup returns the defaults for a material type, matched exactly.
// The second return value is false when the material is unknown.
func Lookup(material string) (Defaults, bool) {
	for i, line := range strings.Split(table, "\n") {
		if i == 0 {
			continue // title line
		}
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) < 4 || fields[0] != material {
			continue
		}
		low, errLow := strconv.ParseUint(fields[2], 10, 32)
		high, errHigh := strconv.ParseUint(fields[3], 10, 32)
		if errLow != nil || errHigh != nil {
			continue
		}
		return Defaults{
			Material:   fields[0],
			FilamentID: fields[1],
			TempLow:    uint32(low),
			TempHigh:   uint32(high),
		}, true
	}
	return Defaults{}, false
}
