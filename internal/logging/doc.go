// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

// Package logging provides structured logging for Filatrack built on zerolog.
//
// A process-wide logger is configured once at startup via Init and consumed
// through package-level helpers (Info, Warn, Err, ...) or component-scoped
// child loggers (WithComponent, WithPrinter). Context-carried correlation IDs
// tie together log lines produced while handling a single printer report.
//
// The slog adapter bridges the global logger into libraries that speak
// log/slog, notably the suture supervisor's sutureslog handler.
package logging
