// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package inventory stores filament spool records in an embedded badger
// database and keeps them aligned with tray events from the printers.
package inventory
