// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package bambu tracks the filament state of Bambu Lab printers.
//
// A Printer mirrors one physical printer: its AMS and external trays,
// extruders, calibration profiles and print lifecycle, folded together
// from the partial reports the printer pushes over MQTT. All state lives
// on a single dispatcher goroutine (Service); other goroutines reach it
// through the dispatcher's task queue.
//
// The state survives restarts through verified snapshot files, including
// an interrupted print job's consumption progress, and the post-reconnect
// recovery pushes the calibration selections the printer forgot while the
// service was down.
package bambu
