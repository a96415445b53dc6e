// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package state

import "fmt"

// StartupFile is the file holding a printer's persistent state snapshot.
const StartupFile = "startup.jsn"

// PrinterStateDir derives the per-printer state directory from its serial.
// The last eleven characters of the serial are split 8.3 to keep the name
// short while still distinguishing printers.
func PrinterStateDir(serial string) string {
	n := len(serial)
	if n < 11 {
		return fmt.Sprintf("state/%s", serial)
	}
	return fmt.Sprintf("state/%s.%s", serial[n-11:n-3], serial[n-3:])
}

// PrinterStatePath returns the path of a printer's startup state file.
func PrinterStatePath(serial string) string {
	return PrinterStateFilePath(serial, StartupFile)
}

// PrinterStateFilePath returns the path of an arbitrary file inside a
// printer's state directory.
func PrinterStateFilePath(serial, file string) string {
	return PrinterStateDir(serial) + "/" + file
}
