// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package analysis computes per-layer filament usage for print jobs.
//
// A job's 3mf archive is fetched, the embedded gcode is scanned for
// extrusion moves, and the result is an ordered list of FilamentUsageEntry
// values the consumption tracker walks as the print progresses.
package analysis
