// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package state provides the durable file store the printer engine persists
// through. The store is a small path-addressed surface (Read, Write, Delete)
// so the engine's crash-safety protocol, write then read back and compare,
// stays independent of where the files actually live.
package state
