// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package api serves health, Prometheus metrics, the spool inventory API
// and read-only printer state over HTTP.
package api
